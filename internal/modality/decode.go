package modality

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Spectrum windows in Angstrom.
const (
	spectrumMinWave = 4000.0
	spectrumMaxWave = 9000.0
)

// selectedWindows are the wavelength intervals (inclusive) kept for the
// spectrum-selected-bands modality.
var selectedWindows = [][2]float64{
	{4000, 4200}, {4452, 4474}, {4514, 4559}, {4634, 4720}, {4800, 5134},
	{5154, 5196}, {5245, 5285}, {5312, 5352}, {5387, 5415}, {5696, 5720},
	{5776, 5796}, {5876, 5909}, {5936, 5994}, {6189, 6272}, {6500, 6800},
	{7000, 7300}, {7500, 7700},
}

type spectrumRow struct {
	wave    float64
	bestFit float64
}

// parseSpectrumCSV reads the Wavelength and BestFit columns of a spectrum CSV.
func parseSpectrumCSV(data []byte) ([]spectrumRow, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read spectrum header: %w", err)
	}
	waveCol, fitCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "Wavelength":
			waveCol = i
		case "BestFit":
			fitCol = i
		}
	}
	if waveCol < 0 || fitCol < 0 {
		return nil, errors.New("spectrum csv lacks Wavelength/BestFit columns")
	}

	var rows []spectrumRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read spectrum row: %w", err)
		}
		if len(rec) <= waveCol || len(rec) <= fitCol {
			continue
		}
		w, err1 := strconv.ParseFloat(strings.TrimSpace(rec[waveCol]), 64)
		f, err2 := strconv.ParseFloat(strings.TrimSpace(rec[fitCol]), 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("malformed spectrum row %v", rec)
		}
		rows = append(rows, spectrumRow{wave: w, bestFit: f})
	}
	if len(rows) == 0 {
		return nil, errors.New("empty spectrum")
	}
	return rows, nil
}

// spectrumTrace keeps BestFit samples with 4000 <= wavelength <= 9000.
func spectrumTrace(rows []spectrumRow) ([]float32, error) {
	out := make([]float32, 0, Spectrum.Size())
	for _, r := range rows {
		if r.wave >= spectrumMinWave && r.wave <= spectrumMaxWave {
			out = append(out, float32(r.bestFit))
		}
	}
	if len(out) != Spectrum.Size() {
		return nil, fmt.Errorf("spectrum has %d samples in [%g,%g], want %d",
			len(out), spectrumMinWave, spectrumMaxWave, Spectrum.Size())
	}
	return out, nil
}

// selectedTrace concatenates BestFit samples of every selected window, in
// window order.
func selectedTrace(rows []spectrumRow) ([]float32, error) {
	out := make([]float32, 0, SpectrumSelectedBands.Size())
	for _, win := range selectedWindows {
		for _, r := range rows {
			if r.wave >= win[0] && r.wave <= win[1] {
				out = append(out, float32(r.bestFit))
			}
		}
	}
	if len(out) != SpectrumSelectedBands.Size() {
		return nil, fmt.Errorf("selected bands have %d samples, want %d",
			len(out), SpectrumSelectedBands.Size())
	}
	return out, nil
}

// plainTrace returns the BestFit column as is; used for pre-selected files.
func plainTrace(rows []spectrumRow, want int) ([]float32, error) {
	if len(rows) != want {
		return nil, fmt.Errorf("trace has %d samples, want %d", len(rows), want)
	}
	out := make([]float32, len(rows))
	for i, r := range rows {
		out[i] = float32(r.bestFit)
	}
	return out, nil
}

// decodeJPEG converts a JPEG to an HWC float32 array scaled to [0,1].
func decodeJPEG(data []byte, shape []int) (Array, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return Array{}, fmt.Errorf("decode jpeg: %w", err)
	}
	return imageToArray(img, shape)
}

func imageToArray(img image.Image, shape []int) (Array, error) {
	h, w, c := shape[0], shape[1], shape[2]
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		return Array{}, fmt.Errorf("image is %dx%d, want %dx%d", b.Dx(), b.Dy(), w, h)
	}
	data := make([]float32, 0, h*w*c)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			data = append(data, float32(r>>8)/255, float32(g>>8)/255, float32(bl>>8)/255)
		}
	}
	return NewArray(shape, data)
}

var (
	npyMagic = []byte("\x93NUMPY")
	npyDescr = regexp.MustCompile(`'descr':\s*'([<>|=]?)([fi])(\d)'`)
	npyOrder = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShape = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// decodeNPY reads a C-ordered little-endian float32/float64 .npy array.
func decodeNPY(data []byte) (Array, error) {
	if len(data) < 10 || !bytes.HasPrefix(data, npyMagic) {
		return Array{}, errors.New("not an npy file")
	}
	major := data[6]
	var headerLen, offset int
	switch major {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(data[8:10]))
		offset = 10
	case 2, 3:
		if len(data) < 12 {
			return Array{}, errors.New("truncated npy header")
		}
		headerLen = int(binary.LittleEndian.Uint32(data[8:12]))
		offset = 12
	default:
		return Array{}, fmt.Errorf("unsupported npy version %d", major)
	}
	if len(data) < offset+headerLen {
		return Array{}, errors.New("truncated npy header")
	}
	header := string(data[offset : offset+headerLen])
	body := data[offset+headerLen:]

	d := npyDescr.FindStringSubmatch(header)
	if d == nil || d[1] == ">" || d[2] != "f" {
		return Array{}, fmt.Errorf("unsupported npy dtype in %q", header)
	}
	if o := npyOrder.FindStringSubmatch(header); o == nil || o[1] == "True" {
		return Array{}, errors.New("fortran-ordered npy arrays are not supported")
	}
	s := npyShape.FindStringSubmatch(header)
	if s == nil {
		return Array{}, errors.New("npy header has no shape")
	}
	var shape []int
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return Array{}, fmt.Errorf("bad npy shape %q", s[1])
		}
		shape = append(shape, n)
	}

	width, _ := strconv.Atoi(d[3])
	if width != 4 && width != 8 {
		return Array{}, fmt.Errorf("unsupported float width %d", width)
	}
	n := len(body) / width
	values := make([]float32, n)
	for i := 0; i < n; i++ {
		if width == 4 {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
		} else {
			values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:])))
		}
	}
	return NewArray(shape, values)
}

// encodeNPY writes a little-endian float32 .npy (version 1.0).
func encodeNPY(a Array) []byte {
	dims := make([]string, len(a.Shape))
	for i, d := range a.Shape {
		dims[i] = strconv.Itoa(d)
	}
	shape := strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shape)
	// pad so that data starts on a 64-byte boundary, header ends with \n
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	for _, v := range a.Data {
		binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
	}
	return buf.Bytes()
}
