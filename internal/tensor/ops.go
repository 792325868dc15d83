package tensor

import "fmt"

// Add performs element-wise addition with broadcasting.
//
// Example:
//
//	a := tensor.Ones[float32](Shape{3, 1}, backend)
//	b := tensor.Ones[float32](Shape{3, 5}, backend)
//	c := a.Add(b) // Shape: [3, 5]
func (t *Tensor[T, B]) Add(other *Tensor[T, B]) *Tensor[T, B] {
	return New[T, B](t.backend.Add(t.raw, other.raw), t.backend)
}

// Sub performs element-wise subtraction with broadcasting.
func (t *Tensor[T, B]) Sub(other *Tensor[T, B]) *Tensor[T, B] {
	return New[T, B](t.backend.Sub(t.raw, other.raw), t.backend)
}

// Mul performs element-wise multiplication with broadcasting.
func (t *Tensor[T, B]) Mul(other *Tensor[T, B]) *Tensor[T, B] {
	return New[T, B](t.backend.Mul(t.raw, other.raw), t.backend)
}

// Div performs element-wise division with broadcasting.
func (t *Tensor[T, B]) Div(other *Tensor[T, B]) *Tensor[T, B] {
	return New[T, B](t.backend.Div(t.raw, other.raw), t.backend)
}

// Maximum returns the element-wise maximum with broadcasting.
func (t *Tensor[T, B]) Maximum(other *Tensor[T, B]) *Tensor[T, B] {
	return New[T, B](t.backend.Maximum(t.raw, other.raw), t.backend)
}

// AddScalar adds a scalar to every element.
func (t *Tensor[T, B]) AddScalar(scalar T) *Tensor[T, B] {
	return New[T, B](t.backend.AddScalar(t.raw, float64(scalar)), t.backend)
}

// MulScalar multiplies every element by a scalar.
func (t *Tensor[T, B]) MulScalar(scalar T) *Tensor[T, B] {
	return New[T, B](t.backend.MulScalar(t.raw, float64(scalar)), t.backend)
}

// MatMul performs 2D matrix multiplication: (M, K) @ (K, N) -> (M, N).
func (t *Tensor[T, B]) MatMul(other *Tensor[T, B]) *Tensor[T, B] {
	return New[T, B](t.backend.MatMul(t.raw, other.raw), t.backend)
}

// Reshape returns a tensor with the same data but a different shape.
// A single dimension may be -1 and is inferred.
//
// Example:
//
//	x := tensor.Zeros[float32](Shape{2, 3, 4}, backend)
//	y := x.Reshape(2, -1) // Shape: [2, 12]
func (t *Tensor[T, B]) Reshape(newShape ...int) *Tensor[T, B] {
	return New[T, B](t.backend.Reshape(t.raw, Shape(newShape)), t.backend)
}

// Transpose permutes the tensor's dimensions.
//
// If axes is empty, reverses all dimensions.
func (t *Tensor[T, B]) Transpose(axes ...int) *Tensor[T, B] {
	return New[T, B](t.backend.Transpose(t.raw, axes...), t.backend)
}

// Narrow returns length entries of dimension dim starting at start.
func (t *Tensor[T, B]) Narrow(dim, start, length int) *Tensor[T, B] {
	return New[T, B](t.backend.Narrow(t.raw, dim, start, length), t.backend)
}

// Flatten collapses all dimensions from startDim onwards into one.
func (t *Tensor[T, B]) Flatten(startDim int) *Tensor[T, B] {
	shape := t.Shape()
	if startDim < 0 || startDim >= len(shape) {
		panic(fmt.Sprintf("flatten: start dim %d out of range for shape %v", startDim, shape))
	}
	out := append(Shape(nil), shape[:startDim]...)
	out = append(out, -1)
	return t.Reshape(out...)
}

// Squeeze removes every dimension of size 1.
func (t *Tensor[T, B]) Squeeze() *Tensor[T, B] {
	var out Shape
	for _, d := range t.Shape() {
		if d != 1 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = Shape{1}
	}
	return t.Reshape(out...)
}

// Cat concatenates tensors along dim.
func Cat[T DType, B Backend](tensors []*Tensor[T, B], dim int) *Tensor[T, B] {
	if len(tensors) == 0 {
		panic("cat: no tensors")
	}
	raws := make([]*RawTensor, len(tensors))
	for i, t := range tensors {
		raws[i] = t.raw
	}
	b := tensors[0].backend
	return New[T, B](b.Cat(raws, dim), b)
}

// Stack joins same-shaped tensors along a new leading dimension.
func Stack[T DType, B Backend](tensors []*Tensor[T, B]) *Tensor[T, B] {
	if len(tensors) == 0 {
		panic("stack: no tensors")
	}
	expanded := make([]*Tensor[T, B], len(tensors))
	for i, t := range tensors {
		shape := append(Shape{1}, t.Shape()...)
		expanded[i] = t.Reshape(shape...)
	}
	return Cat(expanded, 0)
}

// MaxStack returns the element-wise maximum over same-shaped tensors.
func MaxStack[T DType, B Backend](tensors []*Tensor[T, B]) *Tensor[T, B] {
	if len(tensors) == 0 {
		panic("maxstack: no tensors")
	}
	out := tensors[0]
	for _, t := range tensors[1:] {
		if !t.Shape().Equal(out.Shape()) {
			panic(fmt.Sprintf("maxstack: shape %v != %v", t.Shape(), out.Shape()))
		}
		out = out.Maximum(t)
	}
	return out
}
