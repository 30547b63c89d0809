// Package openfda provides typed helpers over the openFDA endpoints: count
// tables, record searches and paged samples built on the gateway client.
package openfda

// openFDA endpoints, relative to the API root.
const (
	DrugEvent       = "drug/event.json"
	DrugLabel       = "drug/label.json"
	DrugNDC         = "drug/ndc.json"
	DrugEnforcement = "drug/enforcement.json"

	DeviceEvent               = "device/event.json"
	DeviceRecall              = "device/recall.json"
	DeviceEnforcement         = "device/enforcement.json"
	Device510K                = "device/510k.json"
	DeviceClassification      = "device/classification.json"
	DevicePMA                 = "device/pma.json"
	DeviceUDI                 = "device/udi.json"
	DeviceRegistrationListing = "device/registrationlisting.json"
	DeviceCovid19Serology     = "device/covid19serology.json"

	FoodEvent       = "food/event.json"
	FoodEnforcement = "food/enforcement.json"

	AnimalEvent = "animalandveterinary/event.json"

	TobaccoProblem = "tobacco/problem.json"

	OtherSubstance = "other/substance.json"
	OtherNSDE      = "other/nsde.json"
	OtherUNII      = "other/unii.json"
)

// Endpoints lists every known endpoint.
var Endpoints = []string{
	DrugEvent, DrugLabel, DrugNDC, DrugEnforcement,
	DeviceEvent, DeviceRecall, DeviceEnforcement, Device510K, DeviceClassification,
	DevicePMA, DeviceUDI, DeviceRegistrationListing, DeviceCovid19Serology,
	FoodEvent, FoodEnforcement,
	AnimalEvent,
	TobaccoProblem,
	OtherSubstance, OtherNSDE, OtherUNII,
}

// IsKnownEndpoint reports whether endpoint is one of Endpoints.
func IsKnownEndpoint(endpoint string) bool {
	for _, e := range Endpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}
