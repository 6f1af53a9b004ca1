// Package imgrec contains an image recorder used to automatically save images to disk.
package imgrec

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/emccd/generichttp"
	"github.jpl.nasa.gov/bdube/emccd/server"
)

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd subfolders.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	// now is time.Now, replaceable in tests
	now func() time.Time
}

// updateFolder checks the current time and updates the folder as needed
func (r *Recorder) updateFolder() {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	t := now()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", t.Year(), t.Month(), t.Day())
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Path returns the file the next Save goes to
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	r.skipExisting(filepath.Join(r.Root, r.timeFldr))
	return r.path()
}

func (r *Recorder) path() string {
	return filepath.Join(r.Root, r.timeFldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
}

// Save writes b to disk as one complete file under the next free filename and
// returns the path.  Concurrent calls never share a file.
func (r *Recorder) Save(b []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	dn, err := r.mkDir()
	if err != nil {
		return "", err
	}
	r.skipExisting(dn)
	fn := r.path()
	fid, err := os.OpenFile(fn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if err != nil {
		return "", err
	}
	r.counter++
	_, err = fid.Write(b)
	if cerr := fid.Close(); err == nil {
		err = cerr
	}
	return fn, err
}

// skipExisting moves the counter past every numbered file with our prefix in
// dn.  If the folder can't be read the counter is left alone.
func (r *Recorder) skipExisting(dn string) {
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if r.counter <= n {
			r.counter = n + 1
		}
	}
}

// Active is true when the recorder is enabled and has somewhere to write
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled && r.Root != ""
}

func (r *Recorder) setRoot(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Root = s
	r.updateFolder()
	_, err := r.mkDir()
	return err
}

func (r *Recorder) setPrefix(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prefix = s
	r.counter = 0
	return nil
}

func (r *Recorder) setEnabled(b bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enabled = b
	return nil
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement server.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and
// /autowrite/enabled to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other server.HTTPer) {
	rec := h.Recorder
	rt := other.RT()
	rt[server.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = generichttp.SetString(rec.setRoot)
	rt[server.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(func() (string, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.Root, nil
	})
	rt[server.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(rec.setPrefix)
	rt[server.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(func() (string, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.Prefix, nil
	})
	rt[server.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(rec.setEnabled)
	rt[server.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(func() (bool, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.Enabled, nil
	})
}
