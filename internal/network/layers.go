package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// fcLayer implements one fully connected layer of a feedforward network.
type fcLayer struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
}

// newFCLayer creates a fully connected layer on g with Glorot-uniform
// initialized weights and a zero bias.
func newFCLayer(g *G.ExprGraph, in, out int, act *Activation, name string) *fcLayer {
	weights := G.NewMatrix(g, tensor.Float64, G.WithShape(in, out),
		G.WithName(name+"_w"), G.WithInit(G.GlorotU(1.0)))
	bias := G.NewMatrix(g, tensor.Float64, G.WithShape(1, out),
		G.WithName(name+"_b"), G.WithInit(G.Zeroes()))
	return &fcLayer{weights: weights, bias: bias, act: act}
}

// fwd adds the layer's forward pass to the computational graph.
func (f *fcLayer) fwd(x *G.Node) (*G.Node, error) {
	x = G.Must(G.Mul(x, f.weights))
	// Broadcast the bias along the batch dimension.
	x = G.Must(G.BroadcastAdd(x, f.bias, nil, []byte{0}))
	if f.act == nil {
		return x, nil
	}
	return f.act.fwd(x)
}

func (f *fcLayer) learnables() G.Nodes {
	return G.Nodes{f.weights, f.bias}
}

// addFCLayers builds a stack of fully connected layers with the given
// hidden widths, all using the same activation.
func addFCLayers(g *G.ExprGraph, features int, hiddens []int, act *Activation,
	prefix string) []*fcLayer {

	sizes := append([]int{features}, hiddens...)
	layers := make([]*fcLayer, 0, len(hiddens))
	for i := 0; i < len(hiddens); i++ {
		layers = append(layers, newFCLayer(g, sizes[i], sizes[i+1], act,
			fmt.Sprintf("%s_fc%d", prefix, i)))
	}
	return layers
}

func fwdAll(layers []*fcLayer, x *G.Node) (*G.Node, error) {
	var err error
	for i, l := range layers {
		if x, err = l.fwd(x); err != nil {
			return nil, fmt.Errorf("network: forward pass of layer %d: %w", i, err)
		}
	}
	return x, nil
}
