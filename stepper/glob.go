package stepper

// Glob reports whether s matches pattern, where '*' matches any run of
// characters (including '/') and '?' matches exactly one character. Every
// other character matches itself.
func Glob(pattern, s string) bool {
	p := []rune(pattern)
	r := []rune(s)

	pi, si := 0, 0
	starP, starS := -1, 0
	for si < len(r) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == r[si]) && p[pi] != '*':
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			starP, starS = pi, si
			pi++
		case starP >= 0:
			// Backtrack: let the last star absorb one more character.
			starS++
			pi, si = starP+1, starS
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
