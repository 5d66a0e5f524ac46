package remote

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ConfigParams describe one sandbox for the generated ssh client config.
type ConfigParams struct {
	Alias          string
	Host           string
	Port           int
	User           string
	IdentityFile   string
	ConnectTimeout time.Duration
}

// ClientConfigBlock renders a scratch ssh_config Host block for the sandbox.
// Plain `ssh <alias>` then works for interactive debugging with the same
// non-interactive, trust-bypassing settings the facade uses: the known-hosts
// sink is /dev/null so the throwaway host key never pollutes the user's
// known_hosts, and BatchMode keeps a broken key from degenerating into a
// password prompt.
func ClientConfigBlock(p ConfigParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s\n", p.Alias)
	fmt.Fprintf(&b, "    HostName %s\n", p.Host)
	fmt.Fprintf(&b, "    Port %d\n", p.Port)
	fmt.Fprintf(&b, "    User %s\n", p.User)
	fmt.Fprintf(&b, "    IdentityFile %s\n", p.IdentityFile)
	fmt.Fprintf(&b, "    IdentitiesOnly yes\n")
	fmt.Fprintf(&b, "    StrictHostKeyChecking no\n")
	fmt.Fprintf(&b, "    UserKnownHostsFile /dev/null\n")
	fmt.Fprintf(&b, "    BatchMode yes\n")
	fmt.Fprintf(&b, "    ConnectTimeout %d\n", int(p.ConnectTimeout.Seconds()))
	fmt.Fprintf(&b, "    LogLevel ERROR\n")
	return b.String()
}

// WriteClientConfig writes the config block to path with owner-only
// permissions, as ssh refuses group/world-readable config in some setups.
func WriteClientConfig(path string, p ConfigParams) error {
	if err := os.WriteFile(path, []byte(ClientConfigBlock(p)), 0600); err != nil {
		return fmt.Errorf("write ssh config: %w", err)
	}
	return nil
}
