package utils

import "strings"

func ToStringSlice(slice []any) []string {
	stringSlice := make([]string, 0)
	for _, v := range slice {
		if s, ok := v.(string); ok {
			stringSlice = append(stringSlice, s)
		}
	}
	return stringSlice
}

// ClaimStrings normalises a claim that identity providers emit either as a
// space-delimited string or as a JSON array of strings.
func ClaimStrings(claim any) []string {
	switch v := claim.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		return ToStringSlice(v)
	default:
		return []string{}
	}
}
