package resample

import "math"

// B-spline interpolation of degrees 0 to 5. Degrees 2 and above
// require the source volume to be prefiltered into spline coefficients
// so that the reconstruction interpolates the original samples; the
// recursive filter below follows Unser's classic formulation, with
// mirror boundaries.

// kernel evaluates the centred B-spline of the given degree at t,
// via the Cox-de Boor recursion. Degrees are small so the recursion
// depth is bounded.
func kernel(degree int, t float64) float64 {
	if degree == 0 {
		if t >= -0.5 && t < 0.5 {
			return 1
		}
		return 0
	}
	n := float64(degree)
	a := (t + (n+1)/2) * kernel(degree-1, t+0.5)
	b := ((n+1)/2 - t) * kernel(degree-1, t-0.5)
	return (a + b) / n
}

// poles returns the z-transform poles of the direct B-spline filter
// for the given degree. Degrees 0 and 1 need no prefiltering.
func poles(degree int) []float64 {
	switch degree {
	case 0, 1:
		return nil
	case 2:
		return []float64{math.Sqrt(8) - 3}
	case 3:
		return []float64{math.Sqrt(3) - 2}
	case 4:
		return []float64{
			math.Sqrt(664-math.Sqrt(438976)) + math.Sqrt(304) - 19,
			math.Sqrt(664+math.Sqrt(438976)) - math.Sqrt(304) - 19,
		}
	case 5:
		return []float64{
			math.Sqrt(135.0/2-math.Sqrt(17745.0/4)) + math.Sqrt(105.0/4) - 13.0/2,
			math.Sqrt(135.0/2+math.Sqrt(17745.0/4)) - math.Sqrt(105.0/4) - 13.0/2,
		}
	default:
		panic("spline degree out of range")
	}
}

// filterLine converts one line of samples to spline coefficients in
// place, applying the causal/anticausal recursion for each pole.
func filterLine(line []float64, zs []float64) {
	n := len(line)
	if n == 1 {
		return
	}

	gain := 1.0
	for _, z := range zs {
		gain *= (1 - z) * (1 - 1/z)
	}
	for i := range line {
		line[i] *= gain
	}

	for _, z := range zs {
		// Causal initialisation by mirror-symmetric prefix sum. The
		// horizon is where the pole's contribution drops below
		// machine precision.
		horizon := int(math.Ceil(math.Log(1e-15) / math.Log(math.Abs(z))))
		if horizon > n {
			horizon = n
		}
		zi := z
		sum := line[0]
		for i := 1; i < horizon; i++ {
			sum += zi * line[i]
			zi *= z
		}
		line[0] = sum

		for i := 1; i < n; i++ {
			line[i] += z * line[i-1]
		}

		line[n-1] = (z / (z*z - 1)) * (z*line[n-2] + line[n-1])
		for i := n - 2; i >= 0; i-- {
			line[i] = z * (line[i+1] - line[i])
		}
	}
}

// prefilter converts a 3D volume to spline coefficients for the given
// degree, filtering along each axis in turn. The input is copied.
func prefilter(data []float64, nx, ny, nz, degree int) []float64 {
	coeffs := make([]float64, len(data))
	copy(coeffs, data)
	zs := poles(degree)
	if zs == nil {
		return coeffs
	}

	line := make([]float64, nx)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			base := (z*ny + y) * nx
			copy(line, coeffs[base:base+nx])
			filterLine(line, zs)
			copy(coeffs[base:base+nx], line)
		}
	}

	line = make([]float64, ny)
	for z := 0; z < nz; z++ {
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				line[y] = coeffs[(z*ny+y)*nx+x]
			}
			filterLine(line, zs)
			for y := 0; y < ny; y++ {
				coeffs[(z*ny+y)*nx+x] = line[y]
			}
		}
	}

	line = make([]float64, nz)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			for z := 0; z < nz; z++ {
				line[z] = coeffs[(z*ny+y)*nx+x]
			}
			filterLine(line, zs)
			for z := 0; z < nz; z++ {
				coeffs[(z*ny+y)*nx+x] = line[z]
			}
		}
	}
	return coeffs
}

// sample evaluates the spline reconstruction of a coefficient volume
// at a continuous voxel coordinate. Points whose nearest voxel lies
// outside the volume evaluate to zero, as do tap contributions beyond
// the extent.
func sample(coeffs []float64, nx, ny, nz int, x, y, z float64, degree int) float64 {
	if x < -0.5 || y < -0.5 || z < -0.5 ||
		x > float64(nx)-0.5 || y > float64(ny)-0.5 || z > float64(nz)-0.5 {
		return 0
	}

	if degree == 0 {
		xi, yi, zi := int(math.Round(x)), int(math.Round(y)), int(math.Round(z))
		if xi < 0 || yi < 0 || zi < 0 || xi >= nx || yi >= ny || zi >= nz {
			return 0
		}
		return coeffs[(zi*ny+yi)*nx+xi]
	}

	// Tap window: degree+1 integers covering the kernel support.
	half := float64(degree+1) / 2
	x0 := int(math.Ceil(x - half))
	y0 := int(math.Ceil(y - half))
	z0 := int(math.Ceil(z - half))

	var out float64
	for k := 0; k <= degree; k++ {
		zk := z0 + k
		if zk < 0 || zk >= nz {
			continue
		}
		wz := kernel(degree, z-float64(zk))
		if wz == 0 {
			continue
		}
		for j := 0; j <= degree; j++ {
			yj := y0 + j
			if yj < 0 || yj >= ny {
				continue
			}
			wy := kernel(degree, y-float64(yj))
			if wy == 0 {
				continue
			}
			for i := 0; i <= degree; i++ {
				xi := x0 + i
				if xi < 0 || xi >= nx {
					continue
				}
				wx := kernel(degree, x-float64(xi))
				if wx == 0 {
					continue
				}
				out += wz * wy * wx * coeffs[(zk*ny+yj)*nx+xi]
			}
		}
	}
	return out
}
