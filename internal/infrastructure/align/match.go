package align

import "math/bits"

// Match pairs a keypoint index in page A with one in page B.
type Match struct {
	A, B     int
	Distance int
}

func hamming(a, b *Descriptor) int {
	total := 0
	for i := 0; i < DescriptorSize; i++ {
		total += bits.OnesCount8(a[i] ^ b[i])
	}
	return total
}

// matchDescriptors runs nearest/second-nearest search and keeps a match only
// when the best distance is under ratio times the runner-up, filtering out
// ambiguous correspondences. Repetitive drawing elements (hatching, door
// symbols) fail the ratio test and disappear here, which is what we want.
func matchDescriptors(a, b []Descriptor, ratio float64) []Match {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	matches := make([]Match, 0, len(a)/4)
	for i := range a {
		best := -1
		bestDist, secondDist := 1<<30, 1<<30
		for j := range b {
			d := hamming(&a[i], &b[j])
			switch {
			case d < bestDist:
				secondDist = bestDist
				best, bestDist = j, d
			case d < secondDist:
				secondDist = d
			}
		}
		if best < 0 {
			continue
		}
		if secondDist < 1<<30 && float64(bestDist) >= ratio*float64(secondDist) {
			continue
		}
		matches = append(matches, Match{A: i, B: best, Distance: bestDist})
	}
	return matches
}
