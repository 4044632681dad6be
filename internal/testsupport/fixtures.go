package testsupport

import "empi/internal/store"

// Fields builds demographic record fields with distinguishing name and source
// id, defaulting the rest to a stable synthetic identity.
func Fields(firstName, lastName, sourcePersonID string) store.RecordFields {
	return store.RecordFields{
		DataSource:           "test-ehr",
		SourcePersonID:       sourcePersonID,
		FirstName:            firstName,
		LastName:             lastName,
		Sex:                  "F",
		Race:                 "unknown",
		BirthDate:            "1984-07-12",
		DeathDate:            "",
		SocialSecurityNumber: "123-45-6789",
		Address:              "12 Elm St",
		City:                 "Springfield",
		State:                "MA",
		ZipCode:              "01101",
		County:               "Hampden",
		Phone:                "413-555-0188",
	}
}
