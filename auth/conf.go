package auth

import "golang.org/x/oauth2/clientcredentials"

// Conf configures the client credentials grant against the airspace
// authority's token endpoint.
type Conf struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Configured reports whether a credential grant is set up.
func (c Conf) Configured() bool {
	return c.ClientID != "" && c.TokenURL != ""
}

func (c Conf) toOauth2Config() clientcredentials.Config {
	return clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
}
