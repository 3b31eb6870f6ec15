// ABOUTME: Assembles the hub-local integration packs and registers them with the probe catalog.
// ABOUTME: All packs share one credential provider and one HTTP client.

package integrations

import (
	"fmt"
	"net/http"

	"github.com/2389/probehub/internal/packs"
)

// Packs returns every integration pack.
func Packs(provider CredentialProvider, client *http.Client) []*packs.LocalPack {
	return []*packs.LocalPack{
		HTTPPack(provider, client),
		RedisPack(provider),
		PostgresPack(provider),
		PrometheusPack(provider, client),
	}
}

// Register adds every integration pack to reg.
func Register(reg *packs.Registry, provider CredentialProvider, client *http.Client) error {
	for _, lp := range Packs(provider, client) {
		if err := reg.RegisterLocalPack(lp); err != nil {
			return fmt.Errorf("registering %s pack: %w", lp.Manifest.Name, err)
		}
	}
	return nil
}
