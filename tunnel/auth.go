package tunnel

// auth.go - SSH authentication method builders and host-key policy.

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// authMethods assembles the ordered list of SSH authentication
// attempts for the configured method.  Errors here (missing key file,
// bad passphrase, no agent) are authentication failures: the session
// can never come up without working credentials.
func authMethods(cfg *Config) ([]ssh.AuthMethod, error) {
	switch cfg.Auth {
	case AuthPassword:
		// Single attempt, no interactive fallback.
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	case AuthPublicKey:
		return publicKeyMethods(cfg.PrivateKeyPath, cfg.Passphrase)
	case AuthAgent:
		m, err := agentAuth()
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{m}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method %d", cfg.Auth)
	}
}

// publicKeyMethods loads the private key and returns up to two
// attempts.  When <keyPath>.pub holds an SSH certificate the first
// attempt presents it (cert-signer); the second attempt is always the
// bare key.  The bastion rejects them in order — only if every attempt
// fails does authentication fail.
func publicKeyMethods(keyPath, passphrase string) ([]ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", keyPath, err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, fmt.Errorf("key %s is encrypted and no passphrase was supplied", keyPath)
		}
		return nil, fmt.Errorf("parsing key %s: %w", keyPath, err)
	}

	var methods []ssh.AuthMethod
	if cert := certSigner(keyPath+".pub", signer); cert != nil {
		methods = append(methods, ssh.PublicKeys(cert))
	}
	methods = append(methods, ssh.PublicKeys(signer))
	return methods, nil
}

// certSigner pairs signer with a certificate stored beside the private
// key.  A missing or non-certificate .pub file is not an error; the
// bare key is used alone.
func certSigner(pubPath string, signer ssh.Signer) ssh.Signer {
	data, err := os.ReadFile(pubPath)
	if err != nil {
		return nil
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil
	}
	cs, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil
	}
	return cs
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// hostKeyCallback returns the host-key policy: known_hosts when strict
// checking is on, accept-anything otherwise.
func hostKeyCallback(cfg *Config) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // verification is opt-in; the default consumer never pinned bastion keys
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHostsPath
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
