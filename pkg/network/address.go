package network

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

// Address is a "host:port" endpoint string as supplied in the session player
// list. It is the key peers are routed by, so it must stay in the exact form
// the caller used.
type Address string

func (a *Address) Port() (int, error) {
	if len(string(*a)) == 0 {
		return 0, errors.New("no address")
	}
	parts := strings.Split(string(*a), ":")
	var port string
	if len(parts) == 1 {
		port = parts[0]
	} else {
		port = parts[len(parts)-1]
	}
	if val, err := strconv.Atoi(port); err == nil {
		return val, nil
	}
	return 0, errors.New("port is not a number")
}

// Validate checks that the address has a host part and a numeric port, the
// shape a remote or spectator player entry must have.
func (a *Address) Validate() error {
	host, _, err := net.SplitHostPort(string(*a))
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("address has no host")
	}
	if _, err := a.Port(); err != nil {
		return err
	}
	return nil
}

func (a Address) String() string { return string(a) }
