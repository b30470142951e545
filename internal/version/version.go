// Package version carries the build version constants exchanged during
// runner registration.
package version

// Runner is the runner build version reported to hosts.
const Runner = "1.4.0"

// Host is the host build version returned to registering runners.
const Host = "1.4.0"

// MinimumHost is the oldest host version this runner can register with.
const MinimumHost = "1.2.0"

// MinimumRunner is the oldest runner version the host accepts.
const MinimumRunner = "1.2.0"

// Less reports whether version a sorts before b under numeric dotted
// comparison. Non-numeric segments compare as zero.
func Less(a, b string) bool {
	as := segments(a)
	bs := segments(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func segments(v string) []int {
	var out []int
	n := 0
	active := false
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			n = n*10 + int(r-'0')
			active = true
		case r == '.':
			out = append(out, n)
			n = 0
			active = false
		}
	}
	if active || len(out) > 0 {
		out = append(out, n)
	}
	return out
}
