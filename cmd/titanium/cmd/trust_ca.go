package cmd

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/state"
)

var trustCACertPath string
var trustCAUninstall bool

var trustCACmd = &cobra.Command{
	Use:   "trust-ca",
	Short: "Add the interception CA certificate to the system trust store",
	Long: `Add or remove the TLS inspection CA certificate from the system
trust store.

When TLS inspection is enabled, titanium generates a CA certificate
under the configured CA dir on first start. This command installs that
certificate into the OS trust store so HTTPS clients trust intercepted
connections.

Supported platforms:
  - macOS:   Adds to System Keychain via 'security' command (requires sudo)
  - Linux:   Copies to /usr/local/share/ca-certificates/ and runs
             update-ca-certificates (Debian/Ubuntu) or update-ca-trust (RHEL/Fedora)
  - Windows: Uses certutil -addstore root

Examples:
  titanium trust-ca
  titanium trust-ca --cert /path/to/custom-ca.pem
  titanium trust-ca --uninstall`,
	RunE: runTrustCA,
}

func init() {
	trustCACmd.Flags().StringVar(&trustCACertPath, "cert", "", "path to CA certificate PEM file (default: from runtime state or config)")
	trustCACmd.Flags().BoolVar(&trustCAUninstall, "uninstall", false, "remove the CA certificate from the system trust store")
	rootCmd.AddCommand(trustCACmd)
}

// linuxTrustStore is where Debian-style distros pick up extra CAs.
const linuxTrustStore = "/usr/local/share/ca-certificates/titanium-ca.crt"

func runTrustCA(cmd *cobra.Command, args []string) error {
	certPath, err := resolveCACertPath(trustCACertPath)
	if err != nil {
		return err
	}
	cert, err := readCACert(certPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Certificate: %s\n", certPath)
	fmt.Fprintf(out, "Subject:     %s\n", cert.Subject.CommonName)
	fmt.Fprintf(out, "Fingerprint: %s\n\n", certFingerprint(cert))

	plan, err := trustPlanFor(runtime.GOOS, certPath, cert.Subject.CommonName, trustCAUninstall, linuxTrustRefresh())
	if err != nil {
		return err
	}

	verb := "install"
	if trustCAUninstall {
		verb = "remove"
	}
	for _, step := range plan {
		fmt.Fprintf(out, "Running: %s\n", strings.Join(step, " "))
		//nolint:gosec // step args come from the fixed platform table
		combined, err := exec.Command(step[0], step[1:]...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s CA trust: %s\n%s", verb, err, combined)
		}
	}

	if trustCAUninstall {
		fmt.Fprintln(out, "\nCA certificate removed from the system trust store.")
	} else {
		fmt.Fprintln(out, "\nCA certificate installed.")
		fmt.Fprintln(out, "HTTPS clients on this machine now trust intercepted connections.")
	}
	return nil
}

// resolveCACertPath finds the CA certificate: an explicit --cert wins,
// then the path a running proxy recorded, then the configured CA dir.
func resolveCACertPath(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("certificate not found: %s", override)
		}
		return override, nil
	}

	cfg := loadConfigLenient()

	// A running proxy knows exactly which CA it serves.
	if st, err := state.NewFileStore(cfg.StateFile(), cliLogger()).Load(); err == nil && st.CACertFile != "" {
		if _, err := os.Stat(st.CACertFile); err == nil {
			return st.CACertFile, nil
		}
	}

	certPath := cfg.TLSInspection.CACertFile()
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("CA certificate not found at %s\nEnable tls_inspection and run 'titanium start' once to generate it, or pass --cert", certPath)
	}
	return certPath, nil
}

// readCACert loads and parses one PEM certificate from path.
func readCACert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s holds no PEM block", path)
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s starts with a %q block, want CERTIFICATE", path, block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// certFingerprint renders the sha256: form used by the runtime state
// file and the ops /ca.pem response header.
func certFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// trustPlanFor builds the ordered commands that install or remove a CA
// on the given platform. The Windows store is keyed by subject name on
// removal, so cn names the certificate to delete. refresh is the Linux
// bundle-refresh command, injected so tests need not depend on the
// host's PATH.
func trustPlanFor(goos, certPath, cn string, uninstall bool, refresh []string) ([][]string, error) {
	switch goos {
	case "darwin":
		if uninstall {
			return [][]string{{"sudo", "security", "remove-trusted-cert", "-d", certPath}}, nil
		}
		return [][]string{{"sudo", "security", "add-trusted-cert", "-d", "-r", "trustRoot", "-k", "/Library/Keychains/System.keychain", certPath}}, nil
	case "linux":
		if uninstall {
			return [][]string{{"sudo", "rm", "-f", linuxTrustStore}, refresh}, nil
		}
		return [][]string{{"sudo", "cp", certPath, linuxTrustStore}, refresh}, nil
	case "windows":
		if uninstall {
			return [][]string{{"certutil", "-delstore", "root", cn}}, nil
		}
		return [][]string{{"certutil", "-addstore", "root", certPath}}, nil
	default:
		return nil, fmt.Errorf("no trust store support for %s", goos)
	}
}

// linuxTrustRefresh picks the distro's bundle refresher: Debian-style
// update-ca-certificates when present, update-ca-trust otherwise.
func linuxTrustRefresh() []string {
	if _, err := exec.LookPath("update-ca-certificates"); err == nil {
		return []string{"sudo", "update-ca-certificates"}
	}
	return []string{"sudo", "update-ca-trust"}
}
