package builtin

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
)

// parseNumber reports ok=false for blanks and NA markers, and err for
// anything else that is not a number.
func parseNumber(s string) (v float64, ok bool, err error) {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "", "na", "nan", "null", "none":
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(v) {
		return 0, false, nil
	}
	return v, true, nil
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the unbiased sample variance.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return ss / float64(len(xs)-1)
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

type tResult struct {
	T  float64
	DF float64
	P  float64
}

var errDegenerate = errors.New("both samples have zero variance")

// welch performs an unequal-variance two-sample t-test.
func welch(a, b []float64) (tResult, error) {
	if len(a) < 2 || len(b) < 2 {
		return tResult{}, errors.New("each sample needs at least two values")
	}
	va := variance(a) / float64(len(a))
	vb := variance(b) / float64(len(b))
	se2 := va + vb
	if se2 == 0 {
		return tResult{}, errDegenerate
	}
	t := (mean(a) - mean(b)) / math.Sqrt(se2)
	df := se2 * se2 / (va*va/float64(len(a)-1) + vb*vb/float64(len(b)-1))
	return tResult{T: t, DF: df, P: studentTwoSided(t, df)}, nil
}

// paired performs a paired t-test on a-b.
func paired(a, b []float64) (tResult, error) {
	if len(a) != len(b) {
		return tResult{}, errors.New("paired samples must have the same length")
	}
	if len(a) < 2 {
		return tResult{}, errors.New("paired test needs at least two pairs")
	}
	d := make([]float64, len(a))
	for i := range a {
		d[i] = a[i] - b[i]
	}
	v := variance(d)
	if v == 0 {
		return tResult{}, errDegenerate
	}
	df := float64(len(d) - 1)
	t := mean(d) / math.Sqrt(v/float64(len(d)))
	return tResult{T: t, DF: df, P: studentTwoSided(t, df)}, nil
}

// studentTwoSided is P(|T| >= |t|) for Student's t with df degrees of
// freedom.
func studentTwoSided(t, df float64) float64 {
	if math.IsInf(t, 0) {
		return 0
	}
	x := df / (df + t*t)
	return regIncBeta(df/2, 0.5, x)
}

// regIncBeta is the regularized incomplete beta function I_x(a, b).
func regIncBeta(a, b, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}
	lab, _ := math.Lgamma(a + b)
	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	front := math.Exp(lab - la - lb + a*math.Log(x) + b*math.Log1p(-x))
	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

// betaContinuedFraction evaluates the continued fraction for I_x(a, b)
// with the modified Lentz method.
func betaContinuedFraction(a, b, x float64) float64 {
	const (
		maxIter = 300
		eps     = 3e-14
		tiny    = 1e-300
	)
	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c
		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}

// round keeps payloads readable without losing meaningful precision.
func round(v float64, digits int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
