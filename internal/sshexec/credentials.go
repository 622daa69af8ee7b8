package sshexec

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultPort is used when a credential set carries no port.
const DefaultPort = 22

// Credential is one SSH authentication method. It is implemented only by
// Password and PrivateKey.
type Credential interface {
	authMethods() ([]ssh.AuthMethod, error)
	wipe()
	// Method returns "password" or "private_key".
	Method() string
}

// Password authenticates with a password, offered both as the "password" and
// the "keyboard-interactive" method since many VPS images only enable the latter.
type Password struct {
	Secret []byte
}

func (p *Password) Method() string { return "password" }

// authMethods reads Secret at handshake time so a wipe is never undone by a
// copy held in the returned methods.
func (p *Password) authMethods() ([]ssh.AuthMethod, error) {
	return []ssh.AuthMethod{
		ssh.PasswordCallback(func() (string, error) {
			return string(p.Secret), nil
		}),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = string(p.Secret)
			}
			return answers, nil
		}),
	}, nil
}

func (p *Password) wipe() { zero(p.Secret) }

// PrivateKey authenticates with a PEM encoded private key, optionally
// protected by a passphrase.
type PrivateKey struct {
	PEM        []byte
	Passphrase []byte
}

func (k *PrivateKey) Method() string { return "private_key" }

func (k *PrivateKey) authMethods() ([]ssh.AuthMethod, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if len(k.Passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(k.PEM, k.Passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(k.PEM)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrInvalidCredentials, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (k *PrivateKey) wipe() {
	zero(k.PEM)
	zero(k.Passphrase)
}

// CredentialSet identifies a remote account. It lives in memory only and must
// be wiped once the connection it was used for is established or has failed.
type CredentialSet struct {
	Host     string
	Port     int
	Username string
	Auth     Credential
}

// NewCredentialSet builds a credential set from request fields, enforcing that
// exactly one of password and privateKey is provided.
func NewCredentialSet(host string, port int, username, password, privateKey, passphrase string) (CredentialSet, error) {
	hasPassword := password != ""
	hasKey := strings.TrimSpace(privateKey) != ""
	if hasPassword == hasKey {
		return CredentialSet{}, fmt.Errorf("%w: exactly one of password or private key is required", ErrInvalidCredentials)
	}

	cs := CredentialSet{Host: strings.TrimSpace(host), Port: port, Username: strings.TrimSpace(username)}
	if hasPassword {
		cs.Auth = &Password{Secret: []byte(password)}
	} else {
		cs.Auth = &PrivateKey{PEM: []byte(privateKey), Passphrase: []byte(passphrase)}
	}
	if err := cs.Validate(); err != nil {
		return CredentialSet{}, err
	}
	return cs, nil
}

// Validate checks the set is usable without touching the network.
func (cs CredentialSet) Validate() error {
	if cs.Host == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidCredentials)
	}
	if cs.Port < 0 || cs.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidCredentials, cs.Port)
	}
	if cs.Username == "" {
		return fmt.Errorf("%w: username is empty", ErrInvalidCredentials)
	}
	switch a := cs.Auth.(type) {
	case *Password:
		if len(a.Secret) == 0 {
			return fmt.Errorf("%w: password is empty", ErrInvalidCredentials)
		}
	case *PrivateKey:
		if len(a.PEM) == 0 {
			return fmt.Errorf("%w: private key is empty", ErrInvalidCredentials)
		}
	case nil:
		return fmt.Errorf("%w: no authentication method", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unsupported authentication method %T", ErrInvalidCredentials, a)
	}
	return nil
}

// Addr returns host:port, defaulting the port to 22.
func (cs CredentialSet) Addr() string {
	port := cs.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(strings.Trim(cs.Host, "[]"), strconv.Itoa(port))
}

// Wipe zeroes the secret material. The set is unusable afterwards.
func (cs CredentialSet) Wipe() {
	if cs.Auth != nil {
		cs.Auth.wipe()
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
