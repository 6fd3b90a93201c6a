package config

import "strings"

const (
	allowedOriginsVar = "allowed_origins"
	allowedMethodsVar = "allowed_methods"
	allowedHeadersVar = "allowed_headers"
)

type Cors struct{ source }

var _ CorsConfig = Cors{}

type AllowedOrigins map[string]struct{}
type nullValue = struct{}

func (a AllowedOrigins) IsAllowedOrigin(origin string) bool {
	_, ok := a[origin]
	return ok
}

func (a AllowedOrigins) String() string {
	var origins []string
	for k := range a {
		origins = append(origins, k)
	}
	return strings.Join(origins, ", ")
}

// GetAllowedOrigins reads a comma or space separated origin list.
func (c Cors) GetAllowedOrigins() AllowedOrigins {
	origins := AllowedOrigins{}
	for _, o := range strings.FieldsFunc(c.getString(allowedOriginsVar), func(r rune) bool {
		return r == ',' || r == ' '
	}) {
		origins[o] = nullValue{}
	}
	return origins
}

func (c Cors) GetAllowedMethods() string {
	return c.getString(allowedMethodsVar)
}

func (c Cors) GetAllowedHeaders() string {
	return c.getString(allowedHeadersVar)
}
