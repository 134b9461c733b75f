package chain

type DataType int

const (
	DataTypeComplex DataType = iota
	DataTypeFloat
)

// Complex in, complex out.
type CCWorker interface {
	WorkBuffer([]complex64, []complex64) int
	PredictOutputSize(int) int
}

// Complex in, float out.
type CFWorker interface {
	WorkBuffer([]complex64, []float32) int
	PredictOutputSize(int) int
}

// Float in, float out.
type FFWorker interface {
	WorkBuffer([]float32, []float32) int
	PredictOutputSize(int) int
}

// Resetter is implemented by workers that can clear their own history.
// Workers without it are rebuilt from their factory on reset.
type Resetter interface {
	Reset()
}

// Block wraps one stateful stream transform plus its preallocated output
// buffer. Buffers are sized on first use and reused for every block after.
type Block struct {
	Name       string
	InputRate  int
	OutputRate int

	inputType  DataType
	outputType DataType

	cc CCWorker
	cf CFWorker
	ff FFWorker

	makeCC func() CCWorker
	makeCF func() CFWorker
	makeFF func() FFWorker

	cOutput []complex64
	fOutput []float32
}

// NewCC builds a complex-to-complex block. The factory is retained so the
// worker can be rebuilt with clean history on retune.
func NewCC(name string, inputRate, outputRate int, make func() CCWorker) *Block {
	return &Block{
		Name:       name,
		InputRate:  inputRate,
		OutputRate: outputRate,
		inputType:  DataTypeComplex,
		outputType: DataTypeComplex,
		cc:         make(),
		makeCC:     make,
	}
}

func NewCF(name string, inputRate, outputRate int, make func() CFWorker) *Block {
	return &Block{
		Name:       name,
		InputRate:  inputRate,
		OutputRate: outputRate,
		inputType:  DataTypeComplex,
		outputType: DataTypeFloat,
		cf:         make(),
		makeCF:     make,
	}
}

func NewFF(name string, inputRate, outputRate int, make func() FFWorker) *Block {
	return &Block{
		Name:       name,
		InputRate:  inputRate,
		OutputRate: outputRate,
		inputType:  DataTypeFloat,
		outputType: DataTypeFloat,
		ff:         make(),
		makeFF:     make,
	}
}

// reset clears the worker's history. A worker that knows how to reset
// itself does so in place; anything else is rebuilt from its factory.
func (b *Block) reset() {
	switch {
	case b.cc != nil:
		if r, ok := b.cc.(Resetter); ok {
			r.Reset()
		} else {
			b.cc = b.makeCC()
		}
	case b.cf != nil:
		if r, ok := b.cf.(Resetter); ok {
			r.Reset()
		} else {
			b.cf = b.makeCF()
		}
	case b.ff != nil:
		if r, ok := b.ff.(Resetter); ok {
			r.Reset()
		} else {
			b.ff = b.makeFF()
		}
	}
}
