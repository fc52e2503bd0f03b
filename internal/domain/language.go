package domain

import "strings"

// langCodeToName maps the two-letter campaign language codes to the full
// language names stored in student writtenLangPref fields.
var langCodeToName = map[string]string{
	"EN": "English",
	"FR": "French",
	"ES": "Spanish",
	"DE": "German",
	"IT": "Italian",
	"CZ": "Czech",
	"PT": "Portuguese",
}

var langNameToCode = func() map[string]string {
	m := make(map[string]string, len(langCodeToName))
	for code, name := range langCodeToName {
		m[strings.ToLower(name)] = code
	}
	return m
}()

// FullLanguage converts a language code to its full name. Unknown codes
// pass through unchanged.
func FullLanguage(code string) string {
	if name, ok := langCodeToName[strings.ToUpper(code)]; ok {
		return name
	}
	return code
}

// LanguageCode converts a full language name to its code, or "" when the
// name is not recognized. Matching is case-insensitive.
func LanguageCode(name string) string {
	return langNameToCode[strings.ToLower(name)]
}
