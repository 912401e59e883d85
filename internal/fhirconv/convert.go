// Package fhirconv converts batch file records into FHIR R4 Immunization
// resources.
//
// Composite elements (names, addresses, codings, quantities, references) are
// only attached when at least one of their source fields is non-empty, so a
// converted resource never carries an empty shell. Mandatory clinical
// elements fall back to a null-flavour code instead of being omitted.
package fhirconv

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"immunisation-batch-exchange/internal/record"
)

// ConversionError reports the field that prevented a record from being
// converted. It is terminal for the row.
type ConversionError struct {
	Field  string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func fieldError(field string, err error) *ConversionError {
	return &ConversionError{Field: field, Reason: err.Error()}
}

// Convert builds the Immunization for a record of the given vaccine type.
func Convert(rec record.Record, vaccineType string) (fhir.Immunization, error) {
	if !rec.HasIdentifier() {
		return fhir.Immunization{}, &ConversionError{Field: "UNIQUE_ID", Reason: "UNIQUE_ID and UNIQUE_ID_URI are mandatory"}
	}
	targetDiseases, ok := Diseases(vaccineType)
	if !ok {
		return fhir.Immunization{}, &ConversionError{Field: "VACCINE_TYPE", Reason: fmt.Sprintf("unsupported vaccine type %q", vaccineType)}
	}
	if rec.DateAndTime == "" {
		return fhir.Immunization{}, &ConversionError{Field: "DATE_AND_TIME", Reason: "mandatory"}
	}
	occurrence, err := formatDateTime(rec.DateAndTime)
	if err != nil {
		return fhir.Immunization{}, fieldError("DATE_AND_TIME", err)
	}

	imms := fhir.Immunization{
		Identifier: []fhir.Identifier{{
			System: optional(rec.UniqueIDURI),
			Value:  optional(rec.UniqueID),
		}},
		Status:             fhir.ImmunizationStatusCodesCompleted,
		VaccineCode:        vaccineCode(rec),
		Patient:            fhir.Reference{Reference: optional("#" + ContainedPatientID)},
		OccurrenceDateTime: &occurrence,
		LotNumber:          optional(rec.BatchNumber),
		Site:               snomedConcept(rec.SiteOfVaccinationCode, rec.SiteOfVaccinationTerm),
		Route:              snomedConcept(rec.RouteOfVaccinationCode, rec.RouteOfVaccinationTerm),
	}

	if rec.RecordedDate != "" {
		recorded, err := formatDateTime(rec.RecordedDate)
		if err != nil {
			return fhir.Immunization{}, fieldError("RECORDED_DATE", err)
		}
		imms.Recorded = &recorded
	}
	if rec.ExpiryDate != "" {
		expiry, err := formatDate(rec.ExpiryDate)
		if err != nil {
			return fhir.Immunization{}, fieldError("EXPIRY_DATE", err)
		}
		imms.ExpirationDate = &expiry
	}
	if rec.PrimarySource != "" {
		primary, err := parseBool(rec.PrimarySource)
		if err != nil {
			return fhir.Immunization{}, fieldError("PRIMARY_SOURCE", err)
		}
		imms.PrimarySource = &primary
	}

	if procedure := snomedConcept(rec.VaccinationProcedureCode, rec.VaccinationProcedureTerm); procedure != nil {
		imms.Extension = []fhir.Extension{{
			Url:                  ExtensionProcedure,
			ValueCodeableConcept: procedure,
		}}
	}
	if rec.VaccineManufacturer != "" {
		imms.Manufacturer = &fhir.Reference{Display: optional(rec.VaccineManufacturer)}
	}
	if rec.LocationCode != "" || rec.LocationCodeTypeURI != "" {
		imms.Location = &fhir.Reference{Identifier: &fhir.Identifier{
			System: optional(rec.LocationCodeTypeURI),
			Value:  optional(rec.LocationCode),
		}}
	}
	if rec.IndicationCode != "" {
		imms.ReasonCode = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: optional(SystemSNOMED), Code: optional(rec.IndicationCode)}},
		}}
	}

	dose, err := doseQuantity(rec)
	if err != nil {
		return fhir.Immunization{}, err
	}
	imms.DoseQuantity = dose

	patient, err := containedPatient(rec)
	if err != nil {
		return fhir.Immunization{}, err
	}
	contained := []any{patient}
	if practitioner := containedPractitioner(rec); practitioner != nil {
		contained = append(contained, *practitioner)
		imms.Performer = append(imms.Performer, fhir.ImmunizationPerformer{
			Actor: fhir.Reference{Reference: optional("#" + ContainedPractitionerID)},
		})
	}
	if rec.SiteCode != "" || rec.SiteCodeTypeURI != "" {
		imms.Performer = append(imms.Performer, fhir.ImmunizationPerformer{
			Actor: fhir.Reference{
				Type: optional("Organization"),
				Identifier: &fhir.Identifier{
					System: optional(rec.SiteCodeTypeURI),
					Value:  optional(rec.SiteCode),
				},
			},
		})
	}
	raw, err := json.Marshal(contained)
	if err != nil {
		return fhir.Immunization{}, fmt.Errorf("marshal contained resources: %w", err)
	}
	imms.Contained = raw

	imms.ProtocolApplied = []fhir.ImmunizationProtocolApplied{protocolApplied(rec.DoseSequence, targetDiseases)}
	return imms, nil
}

func vaccineCode(rec record.Record) fhir.CodeableConcept {
	if rec.VaccineProductCode == "" && rec.VaccineProductTerm == "" {
		return fhir.CodeableConcept{Coding: []fhir.Coding{{
			System:  optional(SystemNullFlavor),
			Code:    optional(NullFlavorCode),
			Display: optional(NullFlavorDisplay),
		}}}
	}
	return *snomedConcept(rec.VaccineProductCode, rec.VaccineProductTerm)
}

func snomedConcept(code, display string) *fhir.CodeableConcept {
	if code == "" && display == "" {
		return nil
	}
	return &fhir.CodeableConcept{Coding: []fhir.Coding{{
		System:  optional(SystemSNOMED),
		Code:    optional(code),
		Display: optional(display),
	}}}
}

func containedPatient(rec record.Record) (fhir.Patient, error) {
	gender := Gender(rec.PersonGenderCode)
	patient := fhir.Patient{
		Id:     optional(ContainedPatientID),
		Gender: &gender,
	}
	if rec.NHSNumber != "" {
		patient.Identifier = []fhir.Identifier{{
			System: optional(SystemNHSNumber),
			Value:  optional(rec.NHSNumber),
		}}
	}
	if name := humanName(rec.PersonForename, rec.PersonSurname); name != nil {
		patient.Name = []fhir.HumanName{*name}
	}
	if rec.PersonDOB != "" {
		dob, err := formatDate(rec.PersonDOB)
		if err != nil {
			return fhir.Patient{}, fieldError("PERSON_DOB", err)
		}
		patient.BirthDate = &dob
	}
	if rec.PersonPostcode != "" {
		patient.Address = []fhir.Address{{PostalCode: optional(rec.PersonPostcode)}}
	}
	return patient, nil
}

func containedPractitioner(rec record.Record) *fhir.Practitioner {
	name := humanName(rec.PerformingProfessionalForename, rec.PerformingProfessionalSurname)
	if name == nil {
		return nil
	}
	return &fhir.Practitioner{
		Id:   optional(ContainedPractitionerID),
		Name: []fhir.HumanName{*name},
	}
}

func humanName(given, family string) *fhir.HumanName {
	if given == "" && family == "" {
		return nil
	}
	name := fhir.HumanName{Family: optional(family)}
	if given != "" {
		name.Given = []string{given}
	}
	return &name
}

func doseQuantity(rec record.Record) (*fhir.Quantity, error) {
	if rec.DoseAmount == "" && rec.DoseUnitCode == "" && rec.DoseUnitTerm == "" {
		return nil, nil
	}
	quantity := &fhir.Quantity{Unit: optional(rec.DoseUnitTerm)}
	if rec.DoseAmount != "" {
		value, err := doseValue(rec.DoseAmount)
		if err != nil {
			return nil, fieldError("DOSE_AMOUNT", err)
		}
		quantity.Value = &value
	}
	if rec.DoseUnitCode != "" {
		quantity.System = optional(SystemUCUM)
		quantity.Code = optional(rec.DoseUnitCode)
	}
	return quantity, nil
}

// doseValue keeps integers integral and everything with a decimal point as
// a decimal.
func doseValue(amount string) (json.Number, error) {
	if !strings.Contains(amount, ".") {
		v, err := strconv.ParseInt(amount, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid integer %q", amount)
		}
		return json.Number(strconv.FormatInt(v, 10)), nil
	}
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return "", fmt.Errorf("invalid decimal %q", amount)
	}
	return json.Number(strconv.FormatFloat(v, 'f', -1, 64)), nil
}

func protocolApplied(doseSequence string, targetDiseases []Disease) fhir.ImmunizationProtocolApplied {
	protocol := fhir.ImmunizationProtocolApplied{}
	for _, d := range targetDiseases {
		protocol.TargetDisease = append(protocol.TargetDisease, fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  optional(SystemSNOMED),
				Code:    optional(d.Code),
				Display: optional(d.Display),
			}},
		})
	}
	switch {
	case doseSequence == "":
		protocol.DoseNumberString = optional(DoseNotRecorded)
	case isDigits(doseSequence):
		if n, err := strconv.Atoi(doseSequence); err == nil && n > 0 {
			protocol.DoseNumberPositiveInt = &n
		} else {
			protocol.DoseNumberString = optional(doseSequence)
		}
	default:
		protocol.DoseNumberString = optional(doseSequence)
	}
	return protocol
}

func parseBool(value string) (bool, error) {
	switch strings.ToUpper(value) {
	case "TRUE":
		return true, nil
	case "FALSE":
		return false, nil
	}
	return false, fmt.Errorf("expected TRUE or FALSE, got %q", value)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
