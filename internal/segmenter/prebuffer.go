package segmenter

// PreBuffer keeps the most recent frames seen while idle so that the onset
// of speech is not clipped. The oldest frame is evicted once it holds max.
type PreBuffer struct {
	frames [][]float32
	head   int
	size   int
}

func NewPreBuffer(max int) *PreBuffer {
	if max < 0 {
		max = 0
	}
	return &PreBuffer{frames: make([][]float32, max)}
}

func (p *PreBuffer) Add(frame []float32) {
	if len(p.frames) == 0 {
		return
	}
	p.frames[p.head] = frame
	p.head = (p.head + 1) % len(p.frames)
	if p.size < len(p.frames) {
		p.size++
	}
}

// Read returns the buffered frames oldest first.
func (p *PreBuffer) Read() [][]float32 {
	out := make([][]float32, 0, p.size)
	start := (p.head - p.size + len(p.frames)) % max(len(p.frames), 1)
	for i := 0; i < p.size; i++ {
		out = append(out, p.frames[(start+i)%len(p.frames)])
	}
	return out
}

func (p *PreBuffer) Clear() {
	for i := range p.frames {
		p.frames[i] = nil
	}
	p.head = 0
	p.size = 0
}

func (p *PreBuffer) Len() int { return p.size }
func (p *PreBuffer) Cap() int { return len(p.frames) }
