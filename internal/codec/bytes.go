package codec

import "fmt"

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// HumanizeBytes renders a byte count with 1024-based units and one decimal
// place, e.g. 1536 -> "1.5 KB". Counts beyond the largest unit stay in it.
func HumanizeBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}

	i := 0
	div := int64(1)
	for i < len(byteUnits)-1 && n >= div*1024 {
		div *= 1024
		i++
	}

	return fmt.Sprintf("%.1f %s", float64(n)/float64(div), byteUnits[i])
}
