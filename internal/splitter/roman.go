package splitter

var romanValues = map[byte]int{
	'I': 1,
	'V': 5,
	'X': 10,
	'L': 50,
}

// romanToInt parses a roman numeral in the range headings use (up to 50).
// Returns 0 for anything it cannot parse.
func romanToInt(s string) int {
	total := 0
	prev := 0
	for i := len(s) - 1; i >= 0; i-- {
		v, ok := romanValues[upperByte(s[i])]
		if !ok {
			return 0
		}
		if v < prev {
			total -= v
		} else {
			total += v
		}
		prev = v
	}
	if total < 1 || total > 50 {
		return 0
	}
	return total
}

func upperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

func isRoman(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := romanValues[upperByte(s[i])]; !ok {
			return false
		}
	}
	return true
}
