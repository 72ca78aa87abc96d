package mega

// Corrected Block TEA, as used by the MEGA webclient on 8-byte media
// attribute payloads. Operates in place on uint32 words.

const xxteaDelta = 0x9E3779B9

func xxteaMx(sum, y, z uint32, p, e uint32, k []uint32) uint32 {
	return ((z>>5^y<<2)+(y>>3^z<<4))^((sum^y)+(k[(p&3)^e]^z))
}

// xxteaEncrypt encrypts v in place with the 4-word key k and returns v.
// Rounds are 6 + 52/n for an n-word block.
func xxteaEncrypt(v []uint32, k []uint32) []uint32 {
	n := uint32(len(v) - 1)
	z := v[n]
	var sum uint32
	q := 6 + 52/len(v)

	for ; q > 0; q-- {
		sum += xxteaDelta
		e := (sum >> 2) & 3
		var p uint32
		for p = 0; p < n; p++ {
			y := v[p+1]
			v[p] += xxteaMx(sum, y, z, p, e, k)
			z = v[p]
		}
		y := v[0]
		v[n] += xxteaMx(sum, y, z, n, e, k)
		z = v[n]
	}

	return v
}

// xxteaDecrypt inverts xxteaEncrypt in place and returns v.
func xxteaDecrypt(v []uint32, k []uint32) []uint32 {
	n := uint32(len(v) - 1)
	y := v[0]
	q := 6 + 52/len(v)
	sum := uint32(q) * xxteaDelta

	for ; sum != 0; sum -= xxteaDelta {
		e := (sum >> 2) & 3
		for p := n; p > 0; p-- {
			z := v[p-1]
			v[p] -= xxteaMx(sum, y, z, p, e, k)
			y = v[p]
		}
		z := v[n]
		v[0] -= xxteaMx(sum, y, z, 0, e, k)
		y = v[0]
	}

	return v
}
