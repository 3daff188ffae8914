// Package distributed coordinates data-parallel training workers on one
// host: rendezvous, collectives, gradient averaging and rank-sharded
// sampling.
package distributed

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrAborted is returned by collectives after the group was aborted by
	// a failed peer, a cancelled context, or an explicit Abort.
	ErrAborted = errors.New("distributed: group aborted")

	// ErrRendezvous is returned when a worker cannot join a group.
	ErrRendezvous = errors.New("distributed: rendezvous failed")
)

const (
	DefaultAddr = "localhost"
	DefaultPort = 29500
)

// Config names the rendezvous point shared by every worker of one group.
type Config struct {
	Addr string
	Port int
}

// DefaultConfig returns the localhost rendezvous.
func DefaultConfig() Config {
	return Config{Addr: DefaultAddr, Port: DefaultPort}
}

// Address is the rendezvous key.
func (c Config) Address() string {
	return net.JoinHostPort(c.Addr, strconv.Itoa(c.Port))
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: empty rendezvous address", ErrRendezvous)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid rendezvous port %d", ErrRendezvous, c.Port)
	}
	return nil
}
