// Package network assembles the small fixed model topologies the
// training framework's model catalog expects: a fully connected
// actor-critic with separate policy and value towers, a DQN-style
// convolutional trunk, and an IMPALA-style residual trunk. The heavy
// lifting (gradients, optimization) belongs to the framework; these are
// boilerplate-reduction constructors.
package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/esquires/rl-gear/internal/config"
)

// Network is a built model: a policy head and a value head over a
// shared or split trunk, assembled on a gorgonia expression graph.
type Network interface {
	// Graph returns the computational graph holding the network.
	Graph() *G.ExprGraph
	// Learnables returns the trainable nodes.
	Learnables() G.Nodes
	// SetInput binds an observation batch to the input node.
	SetInput(obs []float64) error
	// Logits returns the policy head's output node.
	Logits() *G.Node
	// Value returns the value head's output node.
	Value() *G.Node
}

// ActorCritic is a fully connected policy/value network whose towers
// share no weights, so value-function updates cannot disturb the policy
// representation.
type ActorCritic struct {
	g     *G.ExprGraph
	input *G.Node

	piTower []*fcLayer
	vTower  []*fcLayer
	piHead  *fcLayer
	vHead   *fcLayer

	logits *G.Node
	value  *G.Node

	features, batch, outputs int
}

// NewActorCritic builds an actor-critic MLP: each tower is hiddens wide
// with act after every hidden layer, topped by a linear policy head of
// size outputs and a linear value head of size 1.
func NewActorCritic(features, batch, outputs int, hiddens []int,
	act *Activation, g *G.ExprGraph) (*ActorCritic, error) {

	if features <= 0 || batch <= 0 || outputs <= 0 {
		return nil, fmt.Errorf("network: features, batch and outputs must be positive")
	}
	if len(hiddens) == 0 {
		return nil, fmt.Errorf("network: at least one hidden layer is required")
	}
	for _, h := range hiddens {
		if h <= 0 {
			return nil, fmt.Errorf("network: hidden widths must be positive, got %v", hiddens)
		}
	}

	input := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, features),
		G.WithName("obs"), G.WithInit(G.Zeroes()))

	net := &ActorCritic{
		g:        g,
		input:    input,
		piTower:  addFCLayers(g, features, hiddens, act, "pi"),
		vTower:   addFCLayers(g, features, hiddens, act, "v"),
		piHead:   newFCLayer(g, hiddens[len(hiddens)-1], outputs, nil, "pi_head"),
		vHead:    newFCLayer(g, hiddens[len(hiddens)-1], 1, nil, "v_head"),
		features: features,
		batch:    batch,
		outputs:  outputs,
	}

	piEmb, err := fwdAll(net.piTower, input)
	if err != nil {
		return nil, err
	}
	vEmb, err := fwdAll(net.vTower, input)
	if err != nil {
		return nil, err
	}
	if net.logits, err = net.piHead.fwd(piEmb); err != nil {
		return nil, err
	}
	if net.value, err = net.vHead.fwd(vEmb); err != nil {
		return nil, err
	}
	return net, nil
}

// FromModelConfig builds the actor-critic described by a configuration
// document's model section.
func FromModelConfig(mc config.ModelConfig, features, batch, outputs int,
	g *G.ExprGraph) (*ActorCritic, error) {

	act, err := ActivationByName(mc.FcnetActivation)
	if err != nil {
		return nil, err
	}
	hiddens := mc.FcnetHiddens
	if len(hiddens) == 0 {
		hiddens = []int{64, 64}
	}
	return NewActorCritic(features, batch, outputs, hiddens, act, g)
}

// Graph returns the computational graph of the network.
func (n *ActorCritic) Graph() *G.ExprGraph { return n.g }

// Logits returns the policy head's output node.
func (n *ActorCritic) Logits() *G.Node { return n.logits }

// Value returns the value head's output node.
func (n *ActorCritic) Value() *G.Node { return n.value }

// Outputs returns the number of policy outputs.
func (n *ActorCritic) Outputs() int { return n.outputs }

// Features returns the observation width the network accepts.
func (n *ActorCritic) Features() int { return n.features }

// BatchSize returns the input batch size.
func (n *ActorCritic) BatchSize() int { return n.batch }

// Learnables returns the trainable nodes of both towers and heads.
func (n *ActorCritic) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, l := range n.piTower {
		nodes = append(nodes, l.learnables()...)
	}
	for _, l := range n.vTower {
		nodes = append(nodes, l.learnables()...)
	}
	nodes = append(nodes, n.piHead.learnables()...)
	nodes = append(nodes, n.vHead.learnables()...)
	return nodes
}

// SetInput binds a flattened observation batch to the input node.
func (n *ActorCritic) SetInput(obs []float64) error {
	if len(obs) != n.features*n.batch {
		return fmt.Errorf("network: invalid input length, want %d have %d",
			n.features*n.batch, len(obs))
	}
	t := tensor.New(tensor.WithBacking(obs), tensor.WithShape(n.batch, n.features))
	return G.Let(n.input, t)
}
