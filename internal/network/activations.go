package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

type activationType string

const (
	relu     activationType = "relu"
	tanh     activationType = "tanh"
	identity activationType = "identity"
)

// Activation wraps an activation function together with its name so a
// network can be described by, and rebuilt from, a configuration string.
type Activation struct {
	activationType
	f func(x *G.Node) (*G.Node, error)
}

func (a *Activation) fwd(x *G.Node) (*G.Node, error) {
	return a.f(x)
}

// String implements the Stringer interface.
func (a *Activation) String() string {
	return string(a.activationType)
}

// ReLU returns a rectified linear unit *Activation.
func ReLU() *Activation {
	return &Activation{activationType: relu, f: G.Rectify}
}

// TanH returns a tanh *Activation.
func TanH() *Activation {
	return &Activation{activationType: tanh, f: G.Tanh}
}

// Identity returns an identity *Activation.
func Identity() *Activation {
	return &Activation{
		activationType: identity,
		f: func(x *G.Node) (*G.Node, error) {
			return x, nil
		},
	}
}

// ActivationByName resolves the activation selectors used in the
// configuration document's fcnet_activation field. The empty string
// means identity.
func ActivationByName(name string) (*Activation, error) {
	switch activationType(name) {
	case relu:
		return ReLU(), nil
	case tanh:
		return TanH(), nil
	case identity, "":
		return Identity(), nil
	default:
		return nil, fmt.Errorf("network: unknown activation %q", name)
	}
}
