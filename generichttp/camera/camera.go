// Package camera provides a generic HTTP interface to a scientific camera
package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"go/types"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/emccd/camera"
	"github.jpl.nasa.gov/bdube/emccd/emccd"
	"github.jpl.nasa.gov/bdube/emccd/fits"
	"github.jpl.nasa.gov/bdube/emccd/generichttp"
	"github.jpl.nasa.gov/bdube/emccd/geometry"
	"github.jpl.nasa.gov/bdube/emccd/imgrec"
	"github.jpl.nasa.gov/bdube/emccd/server"
	"github.jpl.nasa.gov/bdube/emccd/util"
)

// PictureTaker describes an interface to a camera which can capture images
type PictureTaker interface {
	// GetFrameU16 triggers capture of a frame and returns the strided image data as 16-bit integers
	GetFrameU16() (*[]uint16, error)

	// GetRes gets the (H, W) of a frame
	GetRes() ([2]int, error)

	// Burst takes N frames at a certain framerate and returns the contiguous strided buffer for the 3D array
	Burst(context.Context, int, float64) ([]uint16, error)

	// SetExposureTime sets the exposure time
	SetExposureTime(time.Duration) error

	// GetExposureTime gets the exposure time
	GetExposureTime() (time.Duration, error)
}

// MetadataMaker can produce an array of FITS cards
type MetadataMaker interface {
	// CollectHeaderMetadata produces an array of FITS cards
	CollectHeaderMetadata() []fitsio.Card
}

// Exposer takes a frame together with the FITS cards that describe it
type Exposer interface {
	Expose() (camera.Exposure, error)
}

// Sequencer takes a burst of frames together with the FITS cards that describe it
type Sequencer interface {
	ExposeBurst(context.Context, int, float64) (camera.Sequence, error)
}

// Simulator describes the controls of a simulated EMCCD beyond those of a real camera
type Simulator interface {
	camera.Sci

	// GetParams returns the detector parameters
	GetParams() emccd.Params

	// SetParams replaces the detector parameters
	SetParams(emccd.Params) error

	// GetSeed returns the seed and the number of the next frame
	GetSeed() (uint64, uint64)

	// SetSeed restarts the frame sequence of a seed
	SetSeed(uint64)

	// Geometry returns the sensor layout
	Geometry() geometry.Geometry

	// SetFluxMap replaces the scene, in photons/pix/s
	SetFluxMap(mat.Matrix) error
}

// Metrics counts and times the frames served over HTTP
type Metrics struct {
	Frames   prometheus.Counter
	Duration prometheus.Histogram
	Errors   *prometheus.CounterVec
}

// NewMetrics creates the camera metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "emccd",
			Name:      "frames_total",
			Help:      "Number of frames simulated for HTTP clients.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "emccd",
			Name:      "request_duration_seconds",
			Help:      "Time to simulate and encode frames for a request.",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emccd",
			Name:      "errors_total",
			Help:      "Failed frame requests, by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.Frames, m.Duration, m.Errors)
	return m
}

func (m *Metrics) observe(op string, frames int, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Duration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.Errors.WithLabelValues(op).Inc()
		return
	}
	m.Frames.Add(float64(frames))
}

// HTTPPicture injects HTTP methods into a route table for a picture taker
func HTTPPicture(p PictureTaker, table server.RouteTable, rec *imgrec.Recorder, m *Metrics) {
	table[server.MethodPath{Method: http.MethodGet, Path: "/image"}] = GetFrame(p, rec, m)
	table[server.MethodPath{Method: http.MethodPost, Path: "/burst"}] = Burst(p, m)
	table[server.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}] = GetExposureTime(p)
	table[server.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}] = SetExposureTime(p)
}

// HTTPSimulator injects HTTP methods into a route table for the simulation controls
func HTTPSimulator(s Simulator, table server.RouteTable) {
	table[server.MethodPath{Method: http.MethodGet, Path: "/em-gain"}] = generichttp.GetFloat(s.GetEMGain)
	table[server.MethodPath{Method: http.MethodPost, Path: "/em-gain"}] = generichttp.SetFloat(s.SetEMGain)
	// seeds span the full uint64 range, so they travel as decimal strings
	table[server.MethodPath{Method: http.MethodGet, Path: "/seed"}] = generichttp.GetString(func() (string, error) {
		seed, _ := s.GetSeed()
		return strconv.FormatUint(seed, 10), nil
	})
	table[server.MethodPath{Method: http.MethodPost, Path: "/seed"}] = generichttp.SetString(func(str string) error {
		seed, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return err
		}
		s.SetSeed(seed)
		return nil
	})
	table[server.MethodPath{Method: http.MethodGet, Path: "/frame-number"}] = generichttp.GetInt(func() (int, error) {
		_, next := s.GetSeed()
		return int(next), nil
	})
	table[server.MethodPath{Method: http.MethodGet, Path: "/params"}] = GetParams(s)
	table[server.MethodPath{Method: http.MethodPost, Path: "/params"}] = SetParams(s)
	table[server.MethodPath{Method: http.MethodGet, Path: "/geometry"}] = GetGeometry(s)
	table[server.MethodPath{Method: http.MethodPost, Path: "/flux"}] = SetFluxMap(s)
}

// HTTPCamera wraps a virtual camera in an HTTP interface
type HTTPCamera struct {
	Cam *camera.Virtual

	RouteTable server.RouteTable
}

// NewHTTPCamera returns a new HTTP wrapper around a virtual camera.  rec and m may be nil.
func NewHTTPCamera(cam *camera.Virtual, rec *imgrec.Recorder, m *Metrics) HTTPCamera {
	w := HTTPCamera{Cam: cam, RouteTable: server.RouteTable{}}
	HTTPPicture(cam, w.RouteTable, rec, m)
	HTTPSimulator(cam, w.RouteTable)
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(w)
	}
	return w
}

// RT satisfies server.HTTPer
func (h HTTPCamera) RT() server.RouteTable {
	return h.RouteTable
}

// SetExposureTime sets the exposure time on a POST request.
// it can be provided either as a query parameter exposureTime, formatted in a
// way that is parseable by golang/time.ParseDuration, or a json payload with
// key f64, holding the exposure time in seconds.
func SetExposureTime(p PictureTaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		texp := r.URL.Query().Get("exposureTime")
		var d time.Duration
		var err error
		if texp == "" {
			f := server.FloatT{}
			err = json.NewDecoder(r.Body).Decode(&f)
			defer r.Body.Close()
			d = util.SecsToDuration(f.F64)
		} else {
			d, err = util.ParseDuration(texp)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = p.SetExposureTime(d)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetExposureTime gets the exposure time on a GET request
func GetExposureTime(p PictureTaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := p.GetExposureTime()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: f.Seconds()}
		hp.EncodeAndRespond(w, r)
	}
}

// GetFrame takes a picture and returns it on a GET request.
//
// the image format may be specified in a query parameter fmt, one of fits, png
// or jpg; default to jpg.  png is 16-bit, jpg is scaled to the brightest pixel.
//
// the exposure time may be specified as a query parameter in any time-looking
// format, such as "25ms" or "10us".  if no unit is appended, an s (seconds) is
// added.  if no exposure time is provided, the existing value is used.
//
// fits frames are also written to rec when it is enabled.
func GetFrame(p PictureTaker, rec *imgrec.Recorder, m *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		q := r.URL.Query()
		format := q.Get("fmt")
		if format == "" {
			format = "jpg"
		}
		if format != "jpg" && format != "png" && format != "fits" {
			http.Error(w, "fmt must be one of fits, png, jpg", http.StatusBadRequest)
			return
		}
		if texp := q.Get("exposureTime"); texp != "" {
			T, err := util.ParseDuration(texp)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			err = p.SetExposureTime(T)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		res, err := p.GetRes()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		img, cards, err := capture(p)
		m.observe("image", 1, start, err)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		height, width := res[0], res[1]

		switch format {
		case "jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.WriteHeader(http.StatusOK)
			jpeg.Encode(w, gray8(img, width, height), nil)
		case "png":
			im := image.NewGray16(image.Rect(0, 0, width, height))
			for idx, v := range img {
				im.Pix[2*idx] = byte(v >> 8)
				im.Pix[2*idx+1] = byte(v)
			}
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(http.StatusOK)
			png.Encode(w, im)
		case "fits":
			buf := &bytes.Buffer{}
			err = fits.WriteU16(buf, cards, width, height, img)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if rec != nil && rec.Active() {
				if _, err = rec.Save(buf.Bytes()); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
			}
			hdr := w.Header()
			hdr.Set("Content-Type", "image/fits")
			hdr.Set("Content-Disposition", "attachment; filename=image.fits")
			w.WriteHeader(http.StatusOK)
			w.Write(buf.Bytes())
		}
	}
}

// capture takes one frame and the cards that describe it.  Cameras that are
// not Exposers are asked for their metadata after the frame.
func capture(p PictureTaker) ([]uint16, []fitsio.Card, error) {
	if e, ok := p.(Exposer); ok {
		ex, err := e.Expose()
		if err != nil {
			return nil, nil, err
		}
		img, err := ex.Uint16()
		return img, ex.Cards, err
	}
	img, err := p.GetFrameU16()
	if err != nil {
		return nil, nil, err
	}
	cards := []fitsio.Card{}
	if carder, ok := p.(MetadataMaker); ok {
		cards = carder.CollectHeaderMetadata()
	}
	return *img, cards, nil
}

// gray8 scales a 16-bit frame so its brightest pixel is white
func gray8(img []uint16, width, height int) *image.Gray {
	var peak uint16
	for _, v := range img {
		if v > peak {
			peak = v
		}
	}
	scale := 0.
	if peak > 0 {
		scale = 255 / float64(peak)
	}
	buf := make([]byte, len(img))
	for idx, v := range img {
		buf[idx] = byte(util.Clamp(float64(v)*scale, 0, 255))
	}
	return &image.Gray{Pix: buf, Stride: width, Rect: image.Rect(0, 0, width, height)}
}

// Burst takes a burst of N frames at M fps and returns it as a fits image cube
func Burst(p PictureTaker, m *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		t := struct {
			FPS    float64 `json:"fps"`
			Frames int     `json:"frames"`
		}{}
		err := json.NewDecoder(r.Body).Decode(&t)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := p.GetRes()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		frames, cards, err := captureBurst(r.Context(), p, t.Frames, t.FPS, res[0]*res[1])
		m.observe("burst", t.Frames, start, err)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(cards) > 0 {
			// inject burst modifier to header version
			if s, ok := cards[0].Value.(string); ok {
				cards[0].Value = s + "+burst"
			}
		}
		cards = append(cards, fitsio.Card{Name: "FPS", Value: t.FPS, Comment: "frame rate"})
		hdr := w.Header()
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", "attachment; filename=burst.fits")
		err = fits.WriteU16(w, cards, res[1], res[0], frames...)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// captureBurst takes n frames of npix pixels and the cards that describe them
func captureBurst(ctx context.Context, p PictureTaker, n int, fps float64, npix int) ([][]uint16, []fitsio.Card, error) {
	if sq, ok := p.(Sequencer); ok {
		seq, err := sq.ExposeBurst(ctx, n, fps)
		return seq.Frames, seq.Cards, err
	}
	img, err := p.Burst(ctx, n, fps)
	if err != nil {
		return nil, nil, err
	}
	frames := make([][]uint16, n)
	for i := range frames {
		frames[i] = img[i*npix : (i+1)*npix]
	}
	cards := []fitsio.Card{}
	if carder, ok := p.(MetadataMaker); ok {
		cards = carder.CollectHeaderMetadata()
	}
	return frames, cards, nil
}

// GetParams returns the detector parameters as JSON
func GetParams(s Simulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.GetParams())
	}
}

// SetParams replaces the detector parameters from a JSON body.  Fields absent
// from the body keep their current value.
func SetParams(s Simulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.GetParams()
		err := json.NewDecoder(r.Body).Decode(&p)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.SetParams(p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetGeometry returns the sensor layout as JSON
func GetGeometry(s Simulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Geometry())
	}
}

// SetFluxMap replaces the scene with the FITS image in the request body
func SetFluxMap(s Simulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		flux, err := fits.Read(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.SetFluxMap(flux)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
