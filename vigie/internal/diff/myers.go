package diff

// editBudget bounds the number of edits Myers explores. Beyond it the
// differing middle is reported as one block replace, which keeps memory
// bounded on pages that were rewritten wholesale.
const editBudget = 1000

// script returns the edit operations turning a into b. Equal consumes one
// element of each side, Delete one of a, Insert one of b. Within a run of
// non-equal operations, deletes always precede inserts.
func script(a, b []string) []Op {
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}

	ops := make([]Op, 0, len(a)+len(b))
	for range pre {
		ops = append(ops, Equal)
	}
	mid := myers(a[pre:len(a)-suf], b[pre:len(b)-suf])
	ops = append(ops, mid...)
	for range suf {
		ops = append(ops, Equal)
	}
	return groupChanges(ops)
}

// myers computes a shortest edit script (Myers 1986, greedy forward pass
// with per-round snapshots for the backtrack).
func myers(a, b []string) []Op {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return blockReplace(n, m)
	}

	limit := n + m
	if limit > editBudget {
		limit = editBudget
	}
	off := limit + 1
	v := make([]int, 2*limit+3)
	var trace [][]int

	for d := 0; d <= limit; d++ {
		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[off+k-1] < v[off+k+1]) {
				x = v[off+k+1]
			} else {
				x = v[off+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[off+k] = x
			if x >= n && y >= m {
				trace = append(trace, snapshot(v, off, d))
				return backtrack(trace, n, m)
			}
		}
		trace = append(trace, snapshot(v, off, d))
	}
	return blockReplace(n, m)
}

// snapshot copies v for diagonals -d..d; s[k+d] holds v[k].
func snapshot(v []int, off, d int) []int {
	s := make([]int, 2*d+1)
	copy(s, v[off-d:off+d+1])
	return s
}

func backtrack(trace [][]int, n, m int) []Op {
	var rev []Op
	x, y := n, m
	for d := len(trace) - 1; d > 0; d-- {
		prev := trace[d-1]
		at := func(k int) int { return prev[k+d-1] }
		k := x - y

		var prevK int
		if k == -d || (k != d && at(k-1) < at(k+1)) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := at(prevK)
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			rev = append(rev, Equal)
			x--
			y--
		}
		if prevK == k+1 {
			rev = append(rev, Insert)
			y--
		} else {
			rev = append(rev, Delete)
			x--
		}
	}
	for x > 0 && y > 0 {
		rev = append(rev, Equal)
		x--
		y--
	}

	ops := make([]Op, len(rev))
	for i, op := range rev {
		ops[len(rev)-1-i] = op
	}
	return ops
}

func blockReplace(n, m int) []Op {
	ops := make([]Op, 0, n+m)
	for range n {
		ops = append(ops, Delete)
	}
	for range m {
		ops = append(ops, Insert)
	}
	return ops
}

// groupChanges reorders each run of non-equal ops as deletes then inserts.
// Alignment is unaffected: both sides are consumed in order either way.
func groupChanges(ops []Op) []Op {
	for i := 0; i < len(ops); {
		if ops[i] == Equal {
			i++
			continue
		}
		j, dels := i, 0
		for j < len(ops) && ops[j] != Equal {
			if ops[j] == Delete {
				dels++
			}
			j++
		}
		for p := i; p < j; p++ {
			if p-i < dels {
				ops[p] = Delete
			} else {
				ops[p] = Insert
			}
		}
		i = j
	}
	return ops
}
