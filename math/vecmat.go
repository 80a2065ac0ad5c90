// math/vecmat.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package math

import gomath "math"

///////////////////////////////////////////////////////////////////////////
// 4-vectors

type Vector4 [4]float32

// a+b
func Add4f(a, b Vector4) Vector4 {
	return Vector4{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
}

// a*s
func Scale4f(a Vector4, s float32) Vector4 {
	return Vector4{s * a[0], s * a[1], s * a[2], s * a[3]}
}

func Dot4f(a, b Vector4) float32 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] + a[3]*b[3]
}

///////////////////////////////////////////////////////////////////////////
// 4x4 matrix

// Matrix4 is a row-major 4x4 matrix; it is a plain value type so that it
// can be copied into command payloads as is.
type Matrix4 [4][4]float32

func MakeMatrix4(m00, m01, m02, m03, m10, m11, m12, m13, m20, m21, m22, m23, m30, m31, m32, m33 float32) Matrix4 {
	return Matrix4{
		{m00, m01, m02, m03},
		{m10, m11, m12, m13},
		{m20, m21, m22, m23},
		{m30, m31, m32, m33}}
}

func Identity4x4() Matrix4 {
	var m Matrix4
	for i := range 4 {
		m[i][i] = 1
	}
	return m
}

func (m Matrix4) PostMultiply(m2 Matrix4) Matrix4 {
	var result Matrix4
	for i := range 4 {
		for j := range 4 {
			result[i][j] = m[i][0]*m2[0][j] + m[i][1]*m2[1][j] + m[i][2]*m2[2][j] + m[i][3]*m2[3][j]
		}
	}
	return result
}

func (m Matrix4) Scale(x, y, z float32) Matrix4 {
	return m.PostMultiply(MakeMatrix4(x, 0, 0, 0, 0, y, 0, 0, 0, 0, z, 0, 0, 0, 0, 1))
}

func (m Matrix4) Translate(x, y, z float32) Matrix4 {
	return m.PostMultiply(MakeMatrix4(1, 0, 0, x, 0, 1, 0, y, 0, 0, 1, z, 0, 0, 0, 1))
}

// RotateZ rotates about the z axis by theta radians.
func (m Matrix4) RotateZ(theta float32) Matrix4 {
	s, c := float32(gomath.Sin(float64(theta))), float32(gomath.Cos(float64(theta)))
	return m.PostMultiply(MakeMatrix4(c, -s, 0, 0, s, c, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1))
}

// Ortho returns the matrix for an orthographic projection of the given
// volume to [-1,1]^3.
func (m Matrix4) Ortho(x0, x1, y0, y1, z0, z1 float32) Matrix4 {
	return m.PostMultiply(MakeMatrix4(
		2/(x1-x0), 0, 0, -(x0+x1)/(x1-x0),
		0, 2/(y1-y0), 0, -(y0+y1)/(y1-y0),
		0, 0, -2/(z1-z0), -(z0+z1)/(z1-z0),
		0, 0, 0, 1))
}

func (m Matrix4) Transpose() Matrix4 {
	var r Matrix4
	for i := range 4 {
		for j := range 4 {
			r[i][j] = m[j][i]
		}
	}
	return r
}

func (m Matrix4) TransformPoint(p [3]float32) [3]float32 {
	v := m.TransformVector4(Vector4{p[0], p[1], p[2], 1})
	if v[3] != 0 && v[3] != 1 {
		return [3]float32{v[0] / v[3], v[1] / v[3], v[2] / v[3]}
	}
	return [3]float32{v[0], v[1], v[2]}
}

func (m Matrix4) TransformVector4(v Vector4) Vector4 {
	var r Vector4
	for i := range 4 {
		r[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2] + m[i][3]*v[3]
	}
	return r
}

// Floats returns the matrix elements in row-major order.
func (m Matrix4) Floats() [16]float32 {
	var f [16]float32
	for i := range 4 {
		copy(f[4*i:], m[i][:])
	}
	return f
}
