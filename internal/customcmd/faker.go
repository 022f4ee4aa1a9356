package customcmd

import "github.com/brianvoe/gofakeit/v7"

// fieldGenerators maps field names to gofakeit-backed value producers,
// giving shipped capabilities realistic hash/field contents instead of
// opaque random bytes.
var fieldGenerators = map[string]func(*gofakeit.Faker) string{
	"name":    func(f *gofakeit.Faker) string { return f.Name() },
	"email":   func(f *gofakeit.Faker) string { return f.Email() },
	"phone":   func(f *gofakeit.Faker) string { return f.Phone() },
	"address": func(f *gofakeit.Faker) string { return f.Address().Address },
	"company": func(f *gofakeit.Faker) string { return f.Company() },
	"job":     func(f *gofakeit.Faker) string { return f.JobTitle() },
	"word":    func(f *gofakeit.Faker) string { return f.Word() },
}

// defaultFieldOrder is the field set used when a capability isn't told
// which fields to populate.
var defaultFieldOrder = []string{"name", "email", "phone", "address"}

// SupportedFields returns every registered field generator name.
func SupportedFields() []string {
	names := make([]string, 0, len(fieldGenerators))
	for n := range fieldGenerators {
		names = append(names, n)
	}
	return names
}

// randomFields produces a field->value map for defaultFieldOrder (or the
// given fields, if non-empty) using faker.
func randomFields(faker *gofakeit.Faker, fields []string) map[string]string {
	if len(fields) == 0 {
		fields = defaultFieldOrder
	}
	out := make(map[string]string, len(fields))
	for _, name := range fields {
		gen, ok := fieldGenerators[name]
		if !ok {
			continue
		}
		out[name] = gen(faker)
	}
	return out
}
