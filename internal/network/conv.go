package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ConvOut applies the convolution output-size arithmetic for one
// spatial dimension.
func ConvOut(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// ConvOutShape applies ConvOut to a height/width pair.
func ConvOutShape(h, w, kernel, stride, pad int) (int, int) {
	return ConvOut(h, kernel, stride, pad), ConvOut(w, kernel, stride, pad)
}

// convLayer is one convolution with its geometry recorded so output
// shapes can be tracked while the trunk is assembled.
type convLayer struct {
	filter         *G.Node
	kernel, stride int
	pad            int
}

func newConvLayer(g *G.ExprGraph, in, out, kernel, stride, pad int, name string) *convLayer {
	filter := G.NewTensor(g, tensor.Float64, 4,
		G.WithShape(out, in, kernel, kernel),
		G.WithName(name+"_w"), G.WithInit(G.GlorotU(1.0)))
	return &convLayer{filter: filter, kernel: kernel, stride: stride, pad: pad}
}

func (c *convLayer) fwd(x *G.Node) (*G.Node, error) {
	return G.Conv2d(x, c.filter,
		tensor.Shape{c.kernel, c.kernel},
		[]int{c.pad, c.pad}, []int{c.stride, c.stride}, []int{1, 1})
}

// ConvNet is a convolutional policy/value network: a convolutional
// trunk, a fully connected embedding, and linear policy/value heads
// fed by the same embedding.
type ConvNet struct {
	g     *G.ExprGraph
	input *G.Node

	convs  []*convLayer
	resist [][]*convLayer // residual block convs, per section (IMPALA only)
	pooled bool           // max-pool after each section (IMPALA only)
	fc     *fcLayer
	piHead *fcLayer
	vHead  *fcLayer

	logits *G.Node
	value  *G.Node

	batch, channels, h, w int
}

// dqn geometry from the classic Atari network.
var (
	dqnChannels = []int{32, 64, 64}
	dqnKernels  = []int{8, 4, 4}
	dqnStrides  = []int{4, 2, 2}
)

const convEmbedding = 512

// NewDQNConv builds the DQN convolutional network over (batch,
// channels, h, w) observations: three unpadded convolutions followed by
// a 512-unit fully connected embedding and linear heads. Observations
// are expected already scaled to [0, 1].
func NewDQNConv(h, w, channels, outputs, batch int, g *G.ExprGraph) (*ConvNet, error) {
	if err := validateConvArgs(h, w, channels, outputs, batch); err != nil {
		return nil, err
	}

	net := &ConvNet{
		g: g, batch: batch, channels: channels, h: h, w: w,
		input: newImageInput(g, batch, channels, h, w),
	}

	oh, ow := h, w
	in := channels
	for i := range dqnChannels {
		net.convs = append(net.convs,
			newConvLayer(g, in, dqnChannels[i], dqnKernels[i], dqnStrides[i], 0,
				fmt.Sprintf("dqn_conv%d", i)))
		oh, ow = ConvOutShape(oh, ow, dqnKernels[i], dqnStrides[i], 0)
		if oh <= 0 || ow <= 0 {
			return nil, fmt.Errorf("network: observation %dx%d too small for the DQN trunk", h, w)
		}
		in = dqnChannels[i]
	}

	x := net.input
	var err error
	for _, conv := range net.convs {
		if x, err = conv.fwd(x); err != nil {
			return nil, fmt.Errorf("network: dqn conv: %w", err)
		}
		x = G.Must(G.Rectify(x))
	}

	return net.finish(x, in*oh*ow, outputs, "dqn")
}

// impala geometry from the deep residual IMPALA network.
var impalaChannels = []int{16, 32, 32, 32}

const (
	impalaKernel    = 3
	impalaResBlocks = 2
	poolKernel      = 3
	poolStride      = 2
)

// NewImpalaConv builds the IMPALA residual network: sections of a same-
// padded convolution, a 3x3/2 max pool, and two residual blocks each,
// followed by a 512-unit embedding and linear heads.
func NewImpalaConv(h, w, channels, outputs, batch int, g *G.ExprGraph) (*ConvNet, error) {
	if err := validateConvArgs(h, w, channels, outputs, batch); err != nil {
		return nil, err
	}

	net := &ConvNet{
		g: g, batch: batch, channels: channels, h: h, w: w, pooled: true,
		input: newImageInput(g, batch, channels, h, w),
	}

	oh, ow := h, w
	in := channels
	pad := impalaKernel / 2
	for i, out := range impalaChannels {
		net.convs = append(net.convs,
			newConvLayer(g, in, out, impalaKernel, 1, pad,
				fmt.Sprintf("impala_conv%d", i)))
		oh, ow = ConvOutShape(oh, ow, poolKernel, poolStride, pad)
		if oh <= 0 || ow <= 0 {
			return nil, fmt.Errorf("network: observation %dx%d too small for the IMPALA trunk", h, w)
		}

		var blocks []*convLayer
		for b := 0; b < impalaResBlocks*2; b++ {
			blocks = append(blocks,
				newConvLayer(g, out, out, impalaKernel, 1, pad,
					fmt.Sprintf("impala_res%d_%d", i, b)))
		}
		net.resist = append(net.resist, blocks)
		in = out
	}

	x := net.input
	var err error
	for i, conv := range net.convs {
		if x, err = conv.fwd(x); err != nil {
			return nil, fmt.Errorf("network: impala conv: %w", err)
		}
		x = G.Must(G.MaxPool2D(x,
			tensor.Shape{poolKernel, poolKernel},
			[]int{pad, pad}, []int{poolStride, poolStride}))

		// Two residual blocks, each two ReLU-conv pairs plus a skip.
		blocks := net.resist[i]
		for b := 0; b < impalaResBlocks; b++ {
			res := G.Must(G.Rectify(x))
			if res, err = blocks[2*b].fwd(res); err != nil {
				return nil, fmt.Errorf("network: impala residual: %w", err)
			}
			res = G.Must(G.Rectify(res))
			if res, err = blocks[2*b+1].fwd(res); err != nil {
				return nil, fmt.Errorf("network: impala residual: %w", err)
			}
			x = G.Must(G.Add(x, res))
		}
	}
	x = G.Must(G.Rectify(x))

	return net.finish(x, in*oh*ow, outputs, "impala")
}

func validateConvArgs(h, w, channels, outputs, batch int) error {
	if h <= 0 || w <= 0 || channels <= 0 || outputs <= 0 || batch <= 0 {
		return fmt.Errorf("network: image dims, outputs and batch must be positive")
	}
	return nil
}

func newImageInput(g *G.ExprGraph, batch, channels, h, w int) *G.Node {
	return G.NewTensor(g, tensor.Float64, 4,
		G.WithShape(batch, channels, h, w),
		G.WithName("obs"), G.WithInit(G.Zeroes()))
}

// finish flattens the trunk, adds the fully connected embedding, and
// attaches the linear policy/value heads.
func (n *ConvNet) finish(x *G.Node, flat, outputs int, prefix string) (*ConvNet, error) {
	x, err := G.Reshape(x, tensor.Shape{n.batch, flat})
	if err != nil {
		return nil, fmt.Errorf("network: flattening trunk: %w", err)
	}

	n.fc = newFCLayer(n.g, flat, convEmbedding, ReLU(), prefix+"_fc")
	emb, err := n.fc.fwd(x)
	if err != nil {
		return nil, err
	}

	n.piHead = newFCLayer(n.g, convEmbedding, outputs, nil, prefix+"_pi_head")
	n.vHead = newFCLayer(n.g, convEmbedding, 1, nil, prefix+"_v_head")
	if n.logits, err = n.piHead.fwd(emb); err != nil {
		return nil, err
	}
	if n.value, err = n.vHead.fwd(emb); err != nil {
		return nil, err
	}
	return n, nil
}

// Graph returns the computational graph of the network.
func (n *ConvNet) Graph() *G.ExprGraph { return n.g }

// Logits returns the policy head's output node.
func (n *ConvNet) Logits() *G.Node { return n.logits }

// Value returns the value head's output node.
func (n *ConvNet) Value() *G.Node { return n.value }

// Learnables returns the trainable nodes of the trunk, embedding and heads.
func (n *ConvNet) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, c := range n.convs {
		nodes = append(nodes, c.filter)
	}
	for _, blocks := range n.resist {
		for _, c := range blocks {
			nodes = append(nodes, c.filter)
		}
	}
	nodes = append(nodes, n.fc.learnables()...)
	nodes = append(nodes, n.piHead.learnables()...)
	nodes = append(nodes, n.vHead.learnables()...)
	return nodes
}

// SetInput binds a flattened BCHW observation batch to the input node.
func (n *ConvNet) SetInput(obs []float64) error {
	want := n.batch * n.channels * n.h * n.w
	if len(obs) != want {
		return fmt.Errorf("network: invalid input length, want %d have %d", want, len(obs))
	}
	t := tensor.New(tensor.WithBacking(obs),
		tensor.WithShape(n.batch, n.channels, n.h, n.w))
	return G.Let(n.input, t)
}
