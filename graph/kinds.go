package graph

// Kind identifies the semantics of a node and selects its shape-inference function.
//
// The set of kinds is open: any string can be used, as long as an inference function is registered for it.
// The constants below are the kinds known by this module, named as their ONNX counterparts.
type Kind string

const (
	KindParameter Kind = "Parameter"
	KindConstant  Kind = "Constant"
	KindIdentity  Kind = "Identity"

	// Binary element-wise, with NumPy-style broadcasting.

	KindAdd Kind = "Add"
	KindSub Kind = "Sub"
	KindMul Kind = "Mul"
	KindDiv Kind = "Div"
	KindPow Kind = "Pow"
	KindMax Kind = "Max"
	KindMin Kind = "Min"

	// Comparisons and logical operations: their output dtype is Bool.

	KindEqual   Kind = "Equal"
	KindLess    Kind = "Less"
	KindGreater Kind = "Greater"
	KindAnd     Kind = "And"
	KindOr      Kind = "Or"

	// Unary element-wise.

	KindErf     Kind = "Erf"
	KindTanh    Kind = "Tanh"
	KindSqrt    Kind = "Sqrt"
	KindExp     Kind = "Exp"
	KindLog     Kind = "Log"
	KindNeg     Kind = "Neg"
	KindAbs     Kind = "Abs"
	KindRelu    Kind = "Relu"
	KindSigmoid Kind = "Sigmoid"
	KindGelu    Kind = "Gelu"
	KindSoftmax Kind = "Softmax"

	// KindConvert converts the element type to the "dtype" attribute.
	KindConvert Kind = "Convert"

	KindConcat      Kind = "Concat"
	KindGather      Kind = "Gather"
	KindReshape     Kind = "Reshape"
	KindTranspose   Kind = "Transpose"
	KindMatMul      Kind = "MatMul"
	KindSqueeze     Kind = "Squeeze"
	KindUnsqueeze   Kind = "Unsqueeze"
	KindShapeOf     Kind = "ShapeOf"
	KindShapeAssert Kind = "ShapeAssert"

	// KindDense is x·weight (+ bias), followed by the optional "activation" attribute.
	// Its inputs are [x, weight] or [x, weight, bias], with weight shaped [in, out].
	KindDense Kind = "Dense"

	// KindLoop is a control-flow node with one body. Its inputs are [trip_count, execution_condition, ...].
	KindLoop Kind = "Loop"

	// KindIf is a control-flow node with two bodies, [then, else]. Its inputs are [condition, ...].
	KindIf Kind = "If"
)

// Attribute names used by the kinds above.
const (
	AttrAxis        = "axis"
	AttrAxes        = "axes"
	AttrBatchDims   = "batch_dims"
	AttrDType       = "dtype"
	AttrShape       = "shape"
	AttrValue       = "value"
	AttrPerm        = "perm"
	AttrSpecialZero = "special_zero"
	AttrApproximate = "approximate"
	AttrActivation  = "activation"
)

// Values of the AttrApproximate attribute of KindGelu, as in ONNX.
const (
	GeluExact = "none"
	GeluTanh  = "tanh"
)

// Values of the AttrActivation attribute of KindDense.
const (
	ActivationNone     = "none"
	ActivationGelu     = "gelu"
	ActivationGeluTanh = "gelu_tanh"
)

// IsControlFlow returns whether the kind owns body graphs.
func (k Kind) IsControlFlow() bool {
	return k == KindLoop || k == KindIf
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}
