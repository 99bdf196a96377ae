package genotype

// matrix is a row-major 2 dimensional edit-distance matrix.
type matrix struct {
	nRow, nCol int
	data       []int
}

func newMatrix(n, m int) matrix {
	return matrix{
		nRow: n,
		nCol: m,
		data: make([]int, n*m),
	}
}

func (m matrix) at(i, j int) int {
	return m.data[i*m.nCol+j]
}

func (m matrix) set(i, j, v int) {
	m.data[i*m.nCol+j] = v
}

// editAlign computes the Levenshtein distance between read and hap,
// plus a traceback decomposition of the optimal alignment into
// substitution and indel edits. When several tracebacks are optimal,
// substitutions are preferred, which keeps the indel count tight
// against the length difference of the two sequences.
func editAlign(read, hap string) (dist, subs, indels int) {
	r1 := []byte(read)
	r2 := []byte(hap)
	m := newMatrix(len(r1)+1, len(r2)+1)

	for i := 0; i <= len(r1); i++ {
		m.set(i, 0, i)
	}
	for j := 0; j <= len(r2); j++ {
		m.set(0, j, j)
	}
	for i := 1; i <= len(r1); i++ {
		for j := 1; j <= len(r2); j++ {
			diagonal := m.at(i-1, j-1)
			if r1[i-1] != r2[j-1] {
				diagonal++
			}
			down := m.at(i-1, j) + 1
			right := m.at(i, j-1) + 1

			best := diagonal
			if down < best {
				best = down
			}
			if right < best {
				best = right
			}
			m.set(i, j, best)
		}
	}
	dist = m.at(len(r1), len(r2))

	// Traceback, preferring diagonal moves.
	i, j := len(r1), len(r2)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && m.at(i, j) == m.at(i-1, j-1) && r1[i-1] == r2[j-1]:
			i, j = i-1, j-1
		case i > 0 && j > 0 && m.at(i, j) == m.at(i-1, j-1)+1:
			subs++
			i, j = i-1, j-1
		case i > 0 && m.at(i, j) == m.at(i-1, j)+1:
			indels++
			i--
		default:
			indels++
			j--
		}
	}
	return dist, subs, indels
}
