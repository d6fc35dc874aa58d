package neural

import (
	"encoding/binary"
	"math"
	"math/bits"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"neuromine/internal/block"
)

// curriculumLevel describes one stage of the synthetic curriculum. Higher
// difficulty gets fewer examples but a larger (and strided) search budget.
type curriculumLevel struct {
	difficulty  int
	share       float64
	maxAttempts uint32
	stride      uint32
}

var curriculumLevels = []curriculumLevel{
	{difficulty: 1, share: 0.60, maxAttempts: 1 << 16, stride: 1},
	{difficulty: 2, share: 0.30, maxAttempts: 1 << 19, stride: 7},
	{difficulty: 3, share: 0.10, maxAttempts: 1 << 21, stride: 13},
}

// GenerateCurriculum synthesizes total historical examples across staged
// difficulty levels, appends the curated special patterns, and shuffles the
// result uniformly.
func (n *Network) GenerateCurriculum(total int) []Example {
	n.mu.Lock()
	electrodes := n.cfg.NeuronCount
	rng := rand.New(rand.NewSource(n.rng.Int63()))
	n.mu.Unlock()

	var examples []Example
	for _, level := range curriculumLevels {
		count := int(float64(total) * level.share)
		for i := 0; i < count; i++ {
			examples = append(examples, synthesizeExample(level, electrodes, rng))
		}
	}
	examples = append(examples, specialPatterns(electrodes, rng)...)

	rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})
	return examples
}

// LoadCurriculum generates and ingests a curriculum in one step.
func (n *Network) LoadCurriculum(total int) int {
	examples := n.GenerateCurriculum(total)
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ex := range examples {
		n.addExampleLocked(ex)
	}
	return len(examples)
}

// synthesizeExample builds a random header, hunts for a nonce meeting the
// level's difficulty within the attempt budget, and falls back to a
// deterministic header-derived nonce when the budget runs out.
func synthesizeExample(level curriculumLevel, electrodes int, rng *rand.Rand) Example {
	header := synthesizeHeader(rng)
	start := time.Now()

	nonce, attempts, found := searchCurriculumNonce(header, level, rng)
	if !found {
		// Exhausted budget: derive a stable nonce from the header itself so
		// the example still teaches a consistent header-to-nonce mapping.
		digest := block.DoubleSHA256(header.Serialize(0))
		nonce = binary.LittleEndian.Uint32(digest[:4])
	}

	return Example{
		ID:          uuid.NewString(),
		Inputs:      HeaderToSignals(header, electrodes, rng),
		TargetNonce: nonce,
		Header:      header,
		Difficulty:  level.difficulty,
		Success:     found,
		Attempts:    int(attempts),
		ComputeTime: time.Since(start),
		Timestamp:   time.Now(),
	}
}

func searchCurriculumNonce(header block.Header, level curriculumLevel, rng *rand.Rand) (uint32, uint32, bool) {
	nonce := rng.Uint32()
	for attempts := uint32(0); attempts < level.maxAttempts; attempts++ {
		if block.ValidateNonce(header, nonce, level.difficulty) {
			return nonce, attempts + 1, true
		}
		nonce += level.stride
	}
	return 0, level.maxAttempts, false
}

// synthesizeHeader builds a plausible header: random previous hash, a merkle
// root folded from a variable transaction count, and a timestamp within two
// hours of now.
func synthesizeHeader(rng *rand.Rand) block.Header {
	var prev [32]byte
	rng.Read(prev[:])

	txCount := 1 + rng.Intn(16)
	merkle := placeholderMerkle(txCount, rng)

	h := block.NewHeader(2, prev, merkle)
	h.Timestamp = uint32(time.Now().Add(time.Duration(rng.Intn(14400)-7200) * time.Second).Unix())
	return h
}

// placeholderMerkle folds txCount random transaction hashes into one root.
func placeholderMerkle(txCount int, rng *rand.Rand) [32]byte {
	var root [32]byte
	rng.Read(root[:])
	for i := 1; i < txCount; i++ {
		var tx [32]byte
		rng.Read(tx[:])
		combined := append(root[:], tx[:]...)
		root = block.DoubleSHA256(combined)
	}
	return root
}

// HeaderToSignals maps the 80 serialized header bytes onto per-electrode
// amplitude/frequency/bit-density features, adds light neighbor correlation
// and noise, low-pass filters, and soft-clips into the [-2, 2] dynamic range.
func HeaderToSignals(header block.Header, electrodes int, rng *rand.Rand) []float64 {
	raw := header.Serialize(0)
	signals := make([]float64, electrodes)

	for e := 0; e < electrodes; e++ {
		pos := e * len(raw) / electrodes
		b := raw[pos]
		next := raw[(pos+1)%len(raw)]

		amplitude := float64(b)/127.5 - 1.0          // [-1, 1]
		frequency := float64(b^next) / 255.0         // byte-to-byte transition energy
		density := float64(bits.OnesCount8(b)) / 8.0 // set-bit fraction

		signals[e] = 1.2*amplitude + 0.5*frequency + 0.3*density
	}

	// Light inter-electrode correlation plus measurement noise.
	for e := 1; e < electrodes; e++ {
		signals[e] += 0.15 * signals[e-1]
	}
	for e := range signals {
		signals[e] += rng.NormFloat64() * 0.05
	}

	// Single-pole low-pass, then tanh soft clip into electrode range.
	smoothed := 0.0
	for e := range signals {
		smoothed = 0.7*signals[e] + 0.3*smoothed
		signals[e] = 2.0 * math.Tanh(smoothed)
	}
	return signals
}

// specialPatterns returns a small curated set of frames with fixed target
// nonces: saturated, alternating, and ramp stimulation shapes that anchor
// the extremes of the input space.
func specialPatterns(electrodes int, rng *rand.Rand) []Example {
	shapes := []struct {
		nonce uint32
		fill  func(i int) float64
	}{
		{0x00000000, func(i int) float64 { return -1.5 }},
		{0xFFFFFFFF, func(i int) float64 { return 1.5 }},
		{0xAAAAAAAA, func(i int) float64 {
			if i%2 == 0 {
				return 1.0
			}
			return -1.0
		}},
		{0x55555555, func(i int) float64 {
			if i%2 == 0 {
				return -1.0
			}
			return 1.0
		}},
		{0x0F0F0F0F, func(i int) float64 { return -1.5 + 3.0*float64(i)/float64(max(electrodes-1, 1)) }},
	}

	header := synthesizeHeader(rng)
	examples := make([]Example, 0, len(shapes))
	for _, s := range shapes {
		inputs := make([]float64, electrodes)
		for i := range inputs {
			inputs[i] = s.fill(i)
		}
		examples = append(examples, Example{
			ID:          uuid.NewString(),
			Inputs:      inputs,
			TargetNonce: s.nonce,
			Header:      header,
			Difficulty:  1,
			Success:     true,
			ComputeTime: 0,
			Timestamp:   time.Now(),
		})
	}
	return examples
}
