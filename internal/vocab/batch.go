package vocab

// Batch is a padded, teacher-forced training batch.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
	Lengths []int
	MaxLen  int
}

// Len returns the number of sequences in the batch.
func (b Batch) Len() int { return len(b.Inputs) }

// Transform turns chunks into padded input/target id sequences. Every chunk
// is terminated with EndOfMessage; targets are the inputs shifted by one.
// Rows are padded with the EndOfMessage id up to the longest row, and
// Lengths holds the unpadded length of each row.
func (v *Vocabulary) Transform(chunks []string) Batch {
	end := v.MarkerID(EndOfMessage)
	b := Batch{
		Inputs:  make([][]int, len(chunks)),
		Targets: make([][]int, len(chunks)),
		Lengths: make([]int, len(chunks)),
	}

	for i, chunk := range chunks {
		ids := append(v.Encode(chunk), end)
		b.Inputs[i] = ids[:len(ids)-1]
		b.Targets[i] = ids[1:]
		b.Lengths[i] = len(ids) - 1
		if b.Lengths[i] > b.MaxLen {
			b.MaxLen = b.Lengths[i]
		}
	}

	for i := range b.Inputs {
		b.Inputs[i] = pad(b.Inputs[i], b.MaxLen, end)
		b.Targets[i] = pad(b.Targets[i], b.MaxLen, end)
	}
	return b
}

func pad(ids []int, n, padID int) []int {
	out := make([]int, n)
	copy(out, ids)
	for j := len(ids); j < n; j++ {
		out[j] = padID
	}
	return out
}
