package stacks

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const maxContractNameLen = 128

// ErrInvalidPrincipal is returned when a principal cannot be parsed or
// serialized.
var ErrInvalidPrincipal = errors.New("invalid principal")

var contractNameRegexp = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9]|[-_])*$`)

// Principal is either a standard principal (an account address) or a
// contract principal (an address plus a contract name).
type Principal struct {
	Address
	ContractName string
}

// ParsePrincipal parses "SP..." or "SP....contract-name".
func ParsePrincipal(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	addr, name, isContract := strings.Cut(s, ".")
	a, err := ParseAddress(addr)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}
	p := Principal{Address: a}
	if isContract {
		if err := validateContractName(name); err != nil {
			return Principal{}, err
		}
		p.ContractName = name
	}
	return p, nil
}

// MustParsePrincipal is like ParsePrincipal but panics on error.
func MustParsePrincipal(s string) Principal {
	p, err := ParsePrincipal(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsContract reports whether p is a contract principal.
func (p Principal) IsContract() bool {
	return p.ContractName != ""
}

func (p Principal) String() string {
	if p.IsContract() {
		return p.Address.String() + "." + p.ContractName
	}
	return p.Address.String()
}

func validateContractName(name string) error {
	if len(name) == 0 || len(name) > maxContractNameLen || !contractNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: bad contract name %q", ErrInvalidPrincipal, name)
	}
	return nil
}
