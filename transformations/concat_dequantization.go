package transformations

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/pattern"
	"github.com/gomlx/graphpass/rewrite"
	"github.com/gomlx/graphpass/shapeinference"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// dequantizationPatterns match one dequantized input of a Concat:
//
//	Mul(Sub(Convert(x), shift), scale)
//	Mul(Convert(x), scale)
type dequantizationPatterns struct {
	x, convert, shift, scale *pattern.Pattern
	withShift, withoutShift  *pattern.Compiled
}

func newDequantizationPatterns() *dequantizationPatterns {
	single := pattern.ConsumersCount(1)
	p := &dequantizationPatterns{
		x:     pattern.Any(),
		shift: pattern.Const().Where(pattern.HasStaticShape()),
		scale: pattern.Const().Where(pattern.HasStaticShape()),
	}
	p.convert = pattern.Op(graph.KindConvert, p.x).Where(single)
	p.withShift = pattern.MustCompile(
		pattern.Op(graph.KindMul, pattern.Op(graph.KindSub, p.convert, p.shift).Where(single), p.scale).Where(single))
	p.withoutShift = pattern.MustCompile(pattern.Op(graph.KindMul, p.convert, p.scale).Where(single))
	return p
}

// dequantization is one matched input of the Concat. shift is not valid if the input has no shift.
type dequantization struct {
	x, shift, scale graph.Output
	targetDType     dtypes.DType
}

func (p *dequantizationPatterns) match(o graph.Output) (dequantization, bool) {
	if o.Index() != 0 {
		return dequantization{}, false
	}
	if m, found := p.withShift.Match(o.Node()); found {
		return dequantization{
			x:           m.Output(p.x),
			shift:       m.Output(p.shift),
			scale:       m.Output(p.scale),
			targetDType: m.Node(p.convert).Attributes().DType(graph.AttrDType, dtypes.InvalidDType),
		}, true
	}
	if m, found := p.withoutShift.Match(o.Node()); found {
		return dequantization{
			x:           m.Output(p.x),
			scale:       m.Output(p.scale),
			targetDType: m.Node(p.convert).Attributes().DType(graph.AttrDType, dtypes.InvalidDType),
		}, true
	}
	return dequantization{}, false
}

// ConcatDequantization moves the dequantization of the inputs of a Concat after it:
//
//	Concat(Mul(Sub(Convert(x_i), shift_i), scale_i)...) -> Mul(Sub(Convert(Concat(x_i...)), shift), scale)
//
// so the concatenation runs on the quantized values. The shift is optional: an input without it uses 0, and the
// merged graph has no Sub if no input has one.
//
// When every input uses the same shift (or scale) value, it is kept as is. Otherwise the values become a
// per-channel constant along the concatenation axis, shaped [1, ..., C, ..., 1], which requires the inputs to have
// static dimensions on that axis. Inputs whose constants vary along other axes are declined.
func ConcatDequantization() *rewrite.Pass {
	p := newDequantizationPatterns()
	root := pattern.Op(graph.KindConcat).Where(pattern.HasStaticRank())
	return &rewrite.Pass{
		Name:     "ConcatDequantization",
		Pattern:  pattern.MustCompile(root),
		Callback: func(m *pattern.Match) bool { return p.rewrite(m.Root()) },
		Mode:     rewrite.Once,
	}
}

func (p *dequantizationPatterns) rewrite(concat *graph.Node) bool {
	if isDead(concat.Output(0)) {
		return false
	}
	rank := concat.Output(0).Shape().Rank()
	axis, err := shapeinference.NormalizeAxis(concat.Attributes().Int(graph.AttrAxis, 0), rank)
	if err != nil {
		return false
	}
	deqs := make([]dequantization, concat.NumInputs())
	channels := make([]int, concat.NumInputs())
	var hasShift bool
	for i, input := range concat.Inputs() {
		var ok bool
		if deqs[i], ok = p.match(input); !ok {
			return false
		}
		if deqs[i].targetDType != deqs[0].targetDType || deqs[i].x.DType() != deqs[0].x.DType() {
			return false
		}
		if !input.Shape().HasRank() || input.Shape().Rank() != rank {
			return false
		}
		channels[i] = -1
		if n, ok := input.Shape().Dim(axis).Length(); ok {
			channels[i] = n
		}
		hasShift = hasShift || deqs[i].shift.IsValid()
	}

	decline := func(reason string) bool {
		klog.V(2).Infof("ConcatDequantization of %s declined: %s", concat, reason)
		return false
	}
	var shift mergedConstant
	if hasShift {
		shifts := make([]graph.Output, len(deqs))
		for i, deq := range deqs {
			shifts[i] = deq.shift
		}
		if shift, err = mergeDequantizationConstants(shifts, channels, axis, rank); err != nil {
			return decline("shift " + err.Error())
		}
	}
	scales := make([]graph.Output, len(deqs))
	for i, deq := range deqs {
		scales[i] = deq.scale
	}
	scale, err := mergeDequantizationConstants(scales, channels, axis, rank)
	if err != nil {
		return decline("scale " + err.Error())
	}

	edit := rewrite.NewEdit(concat.Graph())
	fail := func(err error) bool {
		edit.Rollback()
		return decline(err.Error())
	}
	xs := make([]graph.Output, len(deqs))
	for i, deq := range deqs {
		xs[i] = deq.x
	}
	quantized, err := edit.AddNode(graph.KindConcat, xs, concat.Attributes())
	if err != nil {
		return fail(err)
	}
	converted, err := edit.AddNode(graph.KindConvert, []graph.Output{quantized.Output(0)},
		graph.Attributes{graph.AttrDType: deqs[0].targetDType})
	if err != nil {
		return fail(err)
	}
	result := converted.Output(0)
	if hasShift {
		shiftOutput, err := shift.output(edit)
		if err != nil {
			return fail(err)
		}
		sub, err := edit.AddNode(graph.KindSub, []graph.Output{result, shiftOutput}, nil)
		if err != nil {
			return fail(err)
		}
		result = sub.Output(0)
	}
	scaleOutput, err := scale.output(edit)
	if err != nil {
		return fail(err)
	}
	mul, err := edit.AddNode(graph.KindMul, []graph.Output{result, scaleOutput}, nil)
	if err != nil {
		return fail(err)
	}
	return commitIfSameType(edit, concat.Output(0), mul.Output(0))
}

// constantValues are the values of one dequantization constant, with its dimensions.
type constantValues struct {
	values []float64
	dims   []int
	dtype  dtypes.DType
}

func (c constantValues) isScalar() bool {
	return len(c.values) == 1
}

// variesAlong returns whether the constant, broadcast to the given rank, has a dimension other than 1 on axis.
func (c constantValues) variesAlong(axis, rank int) bool {
	a := axis - (rank - len(c.dims))
	return a >= 0 && a < len(c.dims) && c.dims[a] != 1
}

func (c constantValues) equal(other constantValues) bool {
	return c.dtype == other.dtype && slices.Equal(c.dims, other.dims) && slices.Equal(c.values, other.values)
}

// mergedConstant is the constant used after the concatenation: either an existing constant, or a new one.
type mergedConstant struct {
	existing graph.Output
	value    *tensors.Tensor
}

// output returns the existing constant, or creates the new one.
func (c mergedConstant) output(edit *rewrite.Edit) (graph.Output, error) {
	if c.existing.IsValid() {
		return c.existing, nil
	}
	node, err := edit.AddConstant(c.value)
	if err != nil {
		return graph.Output{}, err
	}
	return node.Output(0), nil
}

// mergeDequantizationConstants returns the constant to use after the concatenation, for the given per-input
// constants (invalid outputs mean 0), or an error if they can't be merged.
func mergeDequantizationConstants(consts []graph.Output, channels []int, axis, rank int) (mergedConstant, error) {
	dtype := dtypes.InvalidDType
	for _, c := range consts {
		if c.IsValid() {
			dtype = c.DType()
			break
		}
	}
	all := make([]constantValues, len(consts))
	for i, c := range consts {
		if !c.IsValid() {
			all[i] = constantValues{values: []float64{0}, dtype: dtype}
			continue
		}
		values, ok := shapeinference.ConstantFloats(c)
		dims, static := c.Shape().ToInts()
		if !ok || !static {
			return mergedConstant{}, errors.New("constant values not available")
		}
		if c.DType() != dtype {
			return mergedConstant{}, errors.New("constants have different dtypes")
		}
		all[i] = constantValues{values: values, dims: dims, dtype: dtype}
	}

	// Same constant for every input, not varying along the concatenation axis: reuse the first one as is.
	if consts[0].IsValid() && !all[0].variesAlong(axis, rank) &&
		!slices.ContainsFunc(all[1:], func(c constantValues) bool { return !c.equal(all[0]) }) {
		return mergedConstant{existing: consts[0]}, nil
	}
	if !slices.ContainsFunc(all, func(c constantValues) bool { return !c.isScalar() || c.values[0] != all[0].values[0] }) {
		t, err := newFloatTensor(dtype, all[0].values, nil)
		return mergedConstant{value: t}, err
	}

	// Per-channel constant along the concatenation axis.
	var perChannel []float64
	for i, c := range all {
		if channels[i] < 0 {
			return mergedConstant{}, errors.New("dynamic dimension on the concatenation axis")
		}
		if len(c.dims) > rank {
			return mergedConstant{}, errors.New("constant has a larger rank than the concatenation")
		}
		padding := rank - len(c.dims)
		for a, dim := range c.dims {
			if dim != 1 && a+padding != axis {
				return mergedConstant{}, errors.New("constant varies along an axis other than the concatenation axis")
			}
		}
		switch {
		case c.isScalar():
			for range channels[i] {
				perChannel = append(perChannel, c.values[0])
			}
		case len(c.values) == channels[i]:
			perChannel = append(perChannel, c.values...)
		default:
			return mergedConstant{}, errors.New("constant doesn't match the input dimension on the concatenation axis")
		}
	}
	dims := make([]int, rank)
	for a := range dims {
		dims[a] = 1
	}
	dims[axis] = len(perChannel)
	t, err := newFloatTensor(dtype, perChannel, dims)
	return mergedConstant{value: t}, err
}

// newFloatTensor creates a tensor with the given values converted to dtype, which must be a float type.
func newFloatTensor(dtype dtypes.DType, values []float64, dims []int) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		converted := make([]float32, len(values))
		for i, v := range values {
			converted[i] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(slices.Clone(values), dims...), nil
	}
	return nil, errors.Errorf("constants of dtype %s not supported", dtype)
}
