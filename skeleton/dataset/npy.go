package dataset

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"golang.org/x/exp/mmap"
)

// ErrMalformedStore reports a backing store file that cannot be parsed.
var ErrMalformedStore = errors.New("malformed backing store")

var npyMagic = []byte("\x93NUMPY")

// countingReader records how many bytes the header decoder consumed, which
// is where the data section starts
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ArrayFile is a read-only NumPy array whose first axis indexes samples.
type ArrayFile struct {
	Shape    []int
	DType    string
	Mapped   bool
	offset   int64
	itemSize int

	// exactly one of mapped and values is set
	mapped *mmap.ReaderAt
	values []float32
}

// OpenArray opens a little-endian float32 or float64 .npy file. With useMmap
// the file is paged in lazily, otherwise it is decoded into memory up front.
func OpenArray(path string, useMmap bool) (*ArrayFile, error) {
	if useMmap {
		m, err := mmap.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to map %s", path)
		}
		a, _, err := readHeader(io.NewSectionReader(m, 0, int64(m.Len())), int64(m.Len()))
		if err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "%s", path)
		}
		a.Mapped, a.mapped = true, m
		return a, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	a, r, err := readHeader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	if a.values, err = decodeAll(r, a.DType); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return a, nil
}

func readHeader(src io.Reader, size int64) (*ArrayFile, *npyio.Reader, error) {
	cr := &countingReader{r: src}
	r, err := npyio.NewReader(cr)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrMalformedStore, "%v", err)
	}
	descr := r.Header.Descr
	if descr.Fortran {
		return nil, nil, errors.Wrap(ErrMalformedStore, "fortran order is not supported")
	}

	a := &ArrayFile{DType: descr.Type, offset: cr.n}
	switch a.DType {
	case "<f4", "=f4":
		a.itemSize = 4
	case "<f8", "=f8":
		a.itemSize = 8
	default:
		return nil, nil, errors.Wrapf(ErrMalformedStore, "unsupported dtype %s", a.DType)
	}
	if len(descr.Shape) == 0 {
		return nil, nil, errors.Wrap(ErrMalformedStore, "scalar array")
	}
	for _, d := range descr.Shape {
		if d < 0 {
			return nil, nil, errors.Wrapf(ErrMalformedStore, "bad dimension %d", d)
		}
	}
	a.Shape = append([]int(nil), descr.Shape...)
	if need := a.offset + a.Bytes(); need > size {
		return nil, nil, errors.Wrapf(ErrMalformedStore, "data truncated: need %d bytes, have %d", need, size)
	}
	return a, r, nil
}

func decodeAll(r *npyio.Reader, dtype string) ([]float32, error) {
	if strings.HasSuffix(dtype, "f4") {
		var v []float32
		if err := r.Read(&v); err != nil {
			return nil, errors.Wrapf(ErrMalformedStore, "%v", err)
		}
		return v, nil
	}
	var v []float64
	if err := r.Read(&v); err != nil {
		return nil, errors.Wrapf(ErrMalformedStore, "%v", err)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out, nil
}

// Len is the number of samples (first dimension)
func (a *ArrayFile) Len() int {
	return a.Shape[0]
}

// SampleLen is the number of values in one sample
func (a *ArrayFile) SampleLen() int {
	n := 1
	for _, d := range a.Shape[1:] {
		n *= d
	}
	return n
}

// Bytes is the size of the data section
func (a *ArrayFile) Bytes() int64 {
	return int64(a.Len()*a.SampleLen()) * int64(a.itemSize)
}

// ReadSample decodes sample i into dst, which must hold SampleLen values.
// Safe for concurrent use.
func (a *ArrayFile) ReadSample(i int, dst []float32) error {
	if i < 0 || i >= a.Len() {
		return errors.Errorf("sample %d out of range [0, %d)", i, a.Len())
	}
	n := a.SampleLen()
	if len(dst) != n {
		return errors.Errorf("destination holds %d values, sample has %d", len(dst), n)
	}
	if a.mapped == nil {
		copy(dst, a.values[i*n:(i+1)*n])
		return nil
	}

	buf := make([]byte, n*a.itemSize)
	if _, err := a.mapped.ReadAt(buf, a.offset+int64(i*n*a.itemSize)); err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read sample %d", i)
	}
	if a.itemSize == 4 {
		for k := range dst {
			dst[k] = math.Float32frombits(binary.LittleEndian.Uint32(buf[k*4:]))
		}
		return nil
	}
	for k := range dst {
		dst[k] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[k*8:])))
	}
	return nil
}

// Close releases the mapping or buffer
func (a *ArrayFile) Close() error {
	a.values = nil
	if a.mapped == nil {
		return nil
	}
	return a.mapped.Close()
}

// WriteArray writes data as a version 1.0 little-endian float32 .npy file.
// npyio.Write only records the length of a flat slice, so the N-d header is
// written here and the result is checked by reading it back through npyio.
func WriteArray(path string, shape []int, data []float32) error {
	n := 1
	dims := make([]string, len(shape))
	for i, d := range shape {
		n *= d
		dims[i] = strconv.Itoa(d)
	}
	if n != len(data) {
		return errors.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	header := "{'descr': '<f4', 'fortran_order': False, 'shape': (" + tuple + "), }"
	// pad so the data section starts on a 64-byte boundary
	total := len(npyMagic) + 4 + len(header) + 1
	if rem := total % 64; rem != 0 {
		header += strings.Repeat(" ", 64-rem)
	}
	header += "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	binary.Write(&buf, binary.LittleEndian, data)

	r, err := npyio.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return errors.Wrap(err, "encoded header does not parse")
	}
	if got := r.Header.Descr.Shape; len(got) != len(shape) {
		return errors.Errorf("encoded shape %v, want %v", got, shape)
	}
	return errors.Wrapf(os.WriteFile(path, buf.Bytes(), 0644), "failed to write %s", path)
}
