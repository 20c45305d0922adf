package matching

import (
	"fmt"
	"path"
	"strings"

	"github.com/healthlink/mpi/pkg/models"
)

// CleanRecord returns a deep copy of rec with every atomic value matching
// one of skipValues blanked out: a matching given/family name token, race
// value, address line, telecom value, or identifier is cleared rather
// than left to contaminate blocking or evaluation downstream. rec itself
// is never mutated. A SkipValue's Feature of "*" applies its values to
// every feature; "FEATURE:suffix" applies only to that base feature,
// ignoring the suffix beyond matching it.
func CleanRecord(rec *models.PIIRecord, skipValues []models.SkipValue) *models.PIIRecord {
	out := clonePIIRecord(rec)
	if len(skipValues) == 0 {
		return out
	}

	if skipValue(skipValues, models.FeatureBirthDate, out.BirthDate) {
		out.BirthDate = ""
	}
	if skipValue(skipValues, models.FeatureSex, string(out.Sex)) {
		out.Sex = ""
	}
	if skipValue(skipValues, models.FeatureMRN, out.MRN) {
		out.MRN = ""
	}
	if skipValue(skipValues, models.FeatureRace, out.Race) {
		out.Race = ""
	}

	for i := range out.Name {
		n := &out.Name[i]
		kept := n.Given[:0]
		for _, g := range n.Given {
			if skipValue(skipValues, models.FeatureGivenName, g) || skipValue(skipValues, models.FeatureFirstName, g) {
				continue
			}
			kept = append(kept, g)
		}
		n.Given = kept
		if skipValue(skipValues, models.FeatureLastName, n.Family) {
			n.Family = ""
		}
	}

	for i := range out.Address {
		a := &out.Address[i]
		keptLines := a.Line[:0]
		for _, l := range a.Line {
			if skipValue(skipValues, models.FeatureAddress, l) {
				continue
			}
			keptLines = append(keptLines, l)
		}
		a.Line = keptLines
		if skipValue(skipValues, models.FeatureCity, a.City) {
			a.City = ""
		}
		if skipValue(skipValues, models.FeatureState, a.State) {
			a.State = ""
		}
		if skipValue(skipValues, models.FeatureCounty, a.County) {
			a.County = ""
		}
		if skipValue(skipValues, models.FeatureZip, a.PostalCode) {
			a.PostalCode = ""
		}
	}

	keptTelecom := out.Telecom[:0]
	for _, t := range out.Telecom {
		feature := models.FeatureTelecom
		if t.System == "phone" {
			feature = models.FeaturePhone
		} else if t.System == "email" {
			feature = models.FeatureEmail
		}
		if skipValue(skipValues, models.FeatureTelecom, t.Value) || skipValue(skipValues, feature, t.Value) {
			continue
		}
		keptTelecom = append(keptTelecom, t)
	}
	out.Telecom = keptTelecom

	keptIdentifier := out.Identifier[:0]
	for _, id := range out.Identifier {
		repr := fmt.Sprintf("%s:%s", id.Value, id.Type)
		if skipValue(skipValues, models.FeatureIdentifier, id.Value) || skipValue(skipValues, models.FeatureIdentifier, repr) {
			continue
		}
		keptIdentifier = append(keptIdentifier, id)
	}
	out.Identifier = keptIdentifier

	return out
}

func clonePIIRecord(rec *models.PIIRecord) *models.PIIRecord {
	out := *rec
	out.Name = append([]models.Name(nil), rec.Name...)
	for i := range out.Name {
		out.Name[i].Given = append([]string(nil), rec.Name[i].Given...)
		out.Name[i].Suffix = append([]string(nil), rec.Name[i].Suffix...)
	}
	out.Address = append([]models.Address(nil), rec.Address...)
	for i := range out.Address {
		out.Address[i].Line = append([]string(nil), rec.Address[i].Line...)
	}
	out.Telecom = append([]models.Telecom(nil), rec.Telecom...)
	out.Identifier = append([]models.Identifier(nil), rec.Identifier...)
	return &out
}

func skipValue(skipValues []models.SkipValue, feature models.Feature, value string) bool {
	if value == "" {
		return false
	}
	for _, sv := range skipValues {
		if sv.Feature != "*" && !featureMatches(sv.Feature, feature) {
			continue
		}
		for _, pattern := range sv.Values {
			if globMatch(pattern, value) {
				return true
			}
		}
	}
	return false
}

// featureMatches compares a skip-value's declared feature (which may
// carry a ":suffix") against the base feature being cleaned.
func featureMatches(declared, feature models.Feature) bool {
	if declared == feature {
		return true
	}
	if i := strings.IndexByte(string(declared), ':'); i >= 0 {
		return models.Feature(declared[:i]) == feature
	}
	return false
}

// globMatch is a case-insensitive glob match built on the standard
// library's path.Match, since the pack carries no dedicated glob-matching
// library. path.Match also accepts "[...]" character classes and "\"
// escapes, and its "*" and "?" never match a "/".
func globMatch(pattern, value string) bool {
	ok, err := path.Match(strings.ToUpper(pattern), strings.ToUpper(value))
	return err == nil && ok
}
