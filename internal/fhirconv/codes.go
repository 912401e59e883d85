package fhirconv

import (
	"sort"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const (
	SystemSNOMED       = "http://snomed.info/sct"
	SystemNullFlavor   = "http://terminology.hl7.org/CodeSystem/v3-NullFlavor"
	SystemNHSNumber    = "https://fhir.nhs.uk/Id/nhs-number"
	SystemUCUM         = "http://unitsofmeasure.org"
	ExtensionProcedure = "https://fhir.hl7.org.uk/StructureDefinition/Extension-UKCore-VaccinationProcedure"

	NullFlavorCode    = "NAVU"
	NullFlavorDisplay = "Not available"
	DoseNotRecorded   = "Not recorded"

	ContainedPatientID      = "Patient1"
	ContainedPractitionerID = "Practitioner1"
)

var genders = map[string]fhir.AdministrativeGender{
	"0": fhir.AdministrativeGenderUnknown,
	"1": fhir.AdministrativeGenderMale,
	"2": fhir.AdministrativeGenderFemale,
	"9": fhir.AdministrativeGenderOther,
}

// Gender maps a person gender code onto the FHIR gender term. Absent or
// unrecognised codes map to unknown.
func Gender(code string) fhir.AdministrativeGender {
	if g, ok := genders[strings.TrimSpace(code)]; ok {
		return g
	}
	return fhir.AdministrativeGenderUnknown
}

// Disease is one SNOMED target disease of a vaccine type.
type Disease struct {
	Code    string
	Display string
}

var diseases = map[string][]Disease{
	"COVID19": {{Code: "840539006", Display: "Disease caused by severe acute respiratory syndrome coronavirus 2"}},
	"FLU":     {{Code: "6142004", Display: "Influenza"}},
	"RSV":     {{Code: "55735004", Display: "Respiratory syncytial virus infection (disorder)"}},
	"HPV":     {{Code: "240532009", Display: "Human papillomavirus infection"}},
	"MMR": {
		{Code: "14189004", Display: "Measles"},
		{Code: "36989005", Display: "Mumps"},
		{Code: "36653000", Display: "Rubella"},
	},
}

// Diseases returns the target diseases for a vaccine type, matched
// case-insensitively.
func Diseases(vaccineType string) ([]Disease, bool) {
	d, ok := diseases[strings.ToUpper(strings.TrimSpace(vaccineType))]
	return d, ok
}

// VaccineTypes lists the supported vaccine types in sorted order.
func VaccineTypes() []string {
	types := make([]string, 0, len(diseases))
	for t := range diseases {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
