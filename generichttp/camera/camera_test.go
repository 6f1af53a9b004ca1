package camera

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/emccd/adc"
	"github.jpl.nasa.gov/bdube/emccd/camera"
	"github.jpl.nasa.gov/bdube/emccd/emccd"
	"github.jpl.nasa.gov/bdube/emccd/fits"
	"github.jpl.nasa.gov/bdube/emccd/geometry"
	"github.jpl.nasa.gov/bdube/emccd/imgrec"
)

var small = geometry.Geometry{
	ImageRows:            8,
	ImageCols:            8,
	SerialPrescanRows:    12,
	SerialPrescanCols:    3,
	DarkReferenceRows:    2,
	DarkReferenceCols:    1,
	TransitionRowsUpper:  1,
	ParallelOverscanCols: 10,
}

type fixture struct {
	mux *chi.Mux
	cam *camera.Virtual
	rec *imgrec.Recorder
	m   *Metrics
}

var flux600 = mat.NewDense(2, 2, []float64{600, 600, 600, 600})

func setup(t *testing.T) fixture {
	t.Helper()
	p := emccd.DefaultParams()
	p.EMGain = 1
	p.DarkCurrent = 0
	p.CIC = 0
	p.ReadNoise = 0
	p.ShotNoiseOn = false
	return setupWith(t, p)
}

func setupWith(t *testing.T, p emccd.Params) fixture {
	t.Helper()
	cam := camera.NewVirtual(*emccd.New(small, p), adc.Digitizer{EPerDN: 1, NBits: 14}, flux600, time.Second, 3)
	require.NoError(t, cam.Initialize())

	rec := &imgrec.Recorder{Root: t.TempDir(), Prefix: "img", Enabled: true}
	m := NewMetrics(prometheus.NewRegistry())
	h := NewHTTPCamera(cam, rec, m)
	mux := chi.NewRouter()
	h.RT().Bind(mux)
	return fixture{mux: mux, cam: cam, rec: rec, m: m}
}

func (f fixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return w
}

func TestImageFITSIsRecorded(t *testing.T) {
	f := setup(t)
	path := f.rec.Path()

	w := f.do(http.MethodGet, "/image?fmt=fits", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/fits", w.Header().Get("Content-Type"))

	frame, err := fits.Read(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	r, c := frame.Dims()
	assert.Equal(t, [2]int{12, 13}, [2]int{r, c})
	assert.Equal(t, 540., frame.At(3, 4))

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, w.Body.Bytes(), onDisk)
	assert.NotEqual(t, path, f.rec.Path())
	assert.Equal(t, 1., testutil.ToFloat64(f.m.Frames))
}

func TestImagePNGKeepsSixteenBits(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodGet, "/image?fmt=png", nil)
	require.Equal(t, http.StatusOK, w.Code)
	im, err := png.Decode(w.Body)
	require.NoError(t, err)
	g, ok := im.(*image.Gray16)
	require.True(t, ok)
	assert.Equal(t, uint16(540), g.Gray16At(4, 3).Y)
}

func TestImageJPGAndBadFormat(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodGet, "/image", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	w = f.do(http.MethodGet, "/image?fmt=bmp", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExposureTimeFromQuery(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodGet, "/image?fmt=fits&exposureTime=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	frame, err := fits.Read(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 1080., frame.At(3, 4))

	w = f.do(http.MethodGet, "/exposure-time", nil)
	assert.JSONEq(t, `{"f64":2}`, w.Body.String())

	w = f.do(http.MethodPost, "/exposure-time", []byte(`{"f64":0.5}`))
	assert.Equal(t, http.StatusOK, w.Code)
	d, _ := f.cam.GetExposureTime()
	assert.Equal(t, 500*time.Millisecond, d)

	w = f.do(http.MethodPost, "/exposure-time?exposureTime=-1s", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBurstReturnsCube(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodPost, "/burst", []byte(`{"fps":0,"frames":3}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.Bytes()
	frame, err := fits.Read(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 540., frame.At(3, 4))
	assert.Equal(t, 3., testutil.ToFloat64(f.m.Frames))
	hdr := header(t, body)
	assert.Equal(t, camera.HeaderVersion+"+burst", hdr.Get("HDRVER").Value)
	assert.Equal(t, int64(0), cardInt(t, hdr, "FRAMENO"))
	assert.Equal(t, int64(3), cardInt(t, hdr, "NFRAMES"))

	w = f.do(http.MethodPost, "/burst", []byte(`{"fps":0,"frames":0}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1., testutil.ToFloat64(f.m.Errors.WithLabelValues("burst")))
}

func TestSimulatorControls(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodPost, "/em-gain", []byte(`{"f64":20}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"f64":20}`, f.do(http.MethodGet, "/em-gain", nil).Body.String())
	w = f.do(http.MethodPost, "/em-gain", []byte(`{"f64":0.5}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = f.do(http.MethodPost, "/params", []byte(`{"QE":0.5}`))
	assert.Equal(t, http.StatusOK, w.Code)
	var p emccd.Params
	require.NoError(t, json.NewDecoder(f.do(http.MethodGet, "/params", nil).Body).Decode(&p))
	assert.Equal(t, 0.5, p.QE)
	assert.Equal(t, 20., p.EMGain)
	w = f.do(http.MethodPost, "/params", []byte(`{"QE":5}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.do(http.MethodGet, "/image?fmt=fits", nil)
	assert.JSONEq(t, `{"int":1}`, f.do(http.MethodGet, "/frame-number", nil).Body.String())
	w = f.do(http.MethodPost, "/seed", []byte(`{"str":"11"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"str":"11"}`, f.do(http.MethodGet, "/seed", nil).Body.String())
	assert.JSONEq(t, `{"int":0}`, f.do(http.MethodGet, "/frame-number", nil).Body.String())
	w = f.do(http.MethodPost, "/seed", []byte(`{"str":"18446744073709551615"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"str":"18446744073709551615"}`, f.do(http.MethodGet, "/seed", nil).Body.String())
	seed, _ := f.cam.GetSeed()
	assert.Equal(t, uint64(math.MaxUint64), seed)
	w = f.do(http.MethodPost, "/seed", []byte(`{"str":"-1"}`))
	assert.NotEqual(t, http.StatusOK, w.Code)

	var g geometry.Geometry
	require.NoError(t, json.NewDecoder(f.do(http.MethodGet, "/geometry", nil).Body).Decode(&g))
	assert.Equal(t, small, g)
}

func TestSetFluxFromFITS(t *testing.T) {
	f := setup(t)
	body := &bytes.Buffer{}
	require.NoError(t, fits.WriteFloat(body, nil, mat.NewDense(1, 1, []float64{1000})))
	w := f.do(http.MethodPost, "/flux", body.Bytes())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	frame, err := fits.Read(f.do(http.MethodGet, "/image?fmt=fits", nil).Body)
	require.NoError(t, err)
	assert.Equal(t, 900., frame.At(3, 4))
	assert.Equal(t, 0., frame.At(3, 5))

	w = f.do(http.MethodPost, "/flux", []byte("not fits"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for _, bad := range []float64{-5, math.NaN(), math.Inf(1)} {
		body.Reset()
		require.NoError(t, fits.WriteFloat(body, nil, mat.NewDense(1, 2, []float64{10, bad})))
		w = f.do(http.MethodPost, "/flux", body.Bytes())
		assert.Equal(t, http.StatusBadRequest, w.Code, "%g", bad)
	}
	w = f.do(http.MethodGet, "/image?fmt=fits", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutesListed(t *testing.T) {
	f := setup(t)
	var routes []string
	require.NoError(t, json.NewDecoder(f.do(http.MethodGet, "/endpoints", nil).Body).Decode(&routes))
	for _, want := range []string{"GET /image", "POST /burst", "POST /autowrite/root", "GET /geometry"} {
		assert.Contains(t, routes, want)
	}
	assert.True(t, strings.HasPrefix(routes[0], "GET /autowrite"))
}

func header(t *testing.T, b []byte) *fitsio.Header {
	t.Helper()
	f, err := fitsio.Open(bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f.HDU(0).Header()
}

func cardInt(t *testing.T, hdr *fitsio.Header, name string) int64 {
	t.Helper()
	c := hdr.Get(name)
	require.NotNil(t, c, name)
	switch v := c.Value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	}
	t.Fatalf("card %s holds %T", name, c.Value)
	return 0
}

func TestConcurrentFITSHeadersMatchTheirFrames(t *testing.T) {
	p := emccd.DefaultParams()
	p.EMGain = 50
	f := setupWith(t, p)
	dir := filepath.Dir(f.rec.Path())

	const n = 8
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := f.do(http.MethodGet, "/image?fmt=fits", nil)
			if assert.Equal(t, http.StatusOK, w.Code, w.Body.String()) {
				bodies[i] = w.Body.Bytes()
			}
		}(i)
	}
	wg.Wait()

	dig := adc.Digitizer{EPerDN: 1, NBits: 14}
	served := map[string]bool{}
	numbers := []int64{}
	for _, b := range bodies {
		require.NotNil(t, b)
		served[string(b)] = true
		no := cardInt(t, header(t, b), "FRAMENO")
		numbers = append(numbers, no)

		e, err := emccd.New(small, p).Detect(flux600, 1, rand.NewPCG(3, uint64(no)))
		require.NoError(t, err)
		want, err := dig.Counts(e)
		require.NoError(t, err)
		got, err := fits.Read(bytes.NewReader(b))
		require.NoError(t, err)
		assert.True(t, mat.Equal(want, got), "frame %d", no)
	}
	assert.ElementsMatch(t, []int64{0, 1, 2, 3, 4, 5, 6, 7}, numbers)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, n)
	for _, fi := range files {
		b, err := os.ReadFile(filepath.Join(dir, fi.Name()))
		require.NoError(t, err)
		assert.True(t, served[string(b)], "%s is not a frame that was served", fi.Name())
		fid, err := fitsio.Open(bytes.NewReader(b))
		require.NoError(t, err)
		assert.Len(t, fid.HDUs(), 1, fi.Name())
		fid.Close()
	}
}
