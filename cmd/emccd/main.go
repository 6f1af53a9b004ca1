package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/theckman/yacspin"
	"golang.org/x/sync/errgroup"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/emccd/camera"
	"github.jpl.nasa.gov/bdube/emccd/config"
	"github.jpl.nasa.gov/bdube/emccd/fits"
	"github.jpl.nasa.gov/bdube/emccd/generichttp"
	httpcam "github.jpl.nasa.gov/bdube/emccd/generichttp/camera"
	"github.jpl.nasa.gov/bdube/emccd/server/middleware/locker"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "emccd.yml"
)

func root() {
	str := `emccd simulates the raw frames of an electron multiplying CCD and serves them
over HTTP as though it were a camera.  Frames may also be written straight to disk.

Usage:
	emccd <command>

Commands:
	run
	sim <file.fits> [electrons]
	batch <frames> [folder]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `emccd is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command mkconf
generates the configuration file with the default values.

The sensor layout is given inline under Geometry, or by GeometryFile, a YAML
file with the extents under a top level geom key.  The scene is a FITS flux map
(photons/pix/s) named by Scene.FluxFile, or a uniform Scene.FluxLevel.

Frame i of a run uses a random stream derived from Seed and i alone; the SEED
and FRAMENO header cards are enough to reproduce any frame.

run serves the camera at Addr under Root.  GET /endpoints lists the routes,
GET /metrics exposes Prometheus metrics, and POST /lock {"bool": true} rejects
every other request with 423 until unlocked.

sim writes one frame to a FITS file, in DN, or in electrons before
digitization when the word electrons follows the file name.

batch writes a number of frames with incrementing names in yyyy-mm-dd
subfolders of the given folder, or of Recorder.Root.  Frames are simulated in
parallel on every core.`
	fmt.Println(str)
}

func loadconf() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c := loadconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("emccd version %v\n", Version)
}

func run() {
	cfg := loadconf()
	cam, err := cfg.Camera()
	if err != nil {
		log.Fatal(err)
	}
	defer cam.Finalize()
	res, _ := cam.GetRes()
	log.Printf("simulating a %dx%d EMCCD frame\n", res[0], res[1])

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := cfg.NewRecorder()
	w := httpcam.NewHTTPCamera(cam, rec, httpcam.NewMetrics(reg))
	lock := locker.New()
	locker.Inject(w, lock)

	hndlrS := generichttp.SubMuxSanitize(cfg.Root)
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux := chi.NewRouter()
	mux.Use(lock.Check)
	w.RT().Bind(mux)
	root.Mount(hndlrS, mux)
	log.Println("now listening for requests at ", cfg.Addr+hndlrS)
	log.Fatal(http.ListenAndServe(cfg.Addr, root))
}

func sim(args []string) {
	if len(args) < 1 {
		log.Fatal("usage: emccd sim <file.fits> [electrons]")
	}
	cfg := loadconf()
	cam, err := cfg.Camera()
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(args[0])
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	start := time.Now()
	if len(args) > 1 && strings.ToLower(args[1]) == "electrons" {
		e, err := cam.Electrons()
		if err != nil {
			log.Fatal(err)
		}
		err = fits.WriteFloat(f, cam.CollectHeaderMetadata(), e)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		ex, err := cam.Expose()
		if err != nil {
			log.Fatal(err)
		}
		buf, err := ex.Uint16()
		if err != nil {
			log.Fatal(err)
		}
		h, w := ex.Counts.Dims()
		err = fits.WriteU16(f, ex.Cards, w, h, buf)
		if err != nil {
			log.Fatal(err)
		}
	}
	log.Printf("wrote %s in %v\n", args[0], time.Since(start))
}

func batch(args []string) {
	if len(args) < 1 {
		log.Fatal("usage: emccd batch <frames> [folder]")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		log.Fatalf("frame count must be a positive integer, got %q", args[0])
	}
	cfg := loadconf()
	if len(args) > 1 {
		cfg.Recorder.Root = args[1]
	}
	if cfg.Recorder.Root == "" {
		cfg.Recorder.Root = "."
	}
	cam, err := cfg.Camera()
	if err != nil {
		log.Fatal(err)
	}
	rec := cfg.NewRecorder()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " simulating",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	workers := runtime.NumCPU()
	results := make(chan camera.Exposure, workers)
	errc := make(chan error, 1)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(workers)
	go func() {
		for i := 0; i < n && ctx.Err() == nil; i++ {
			g.Go(func() error {
				ex, err := cam.Expose()
				if err != nil {
					return err
				}
				select {
				case results <- ex:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
		errc <- g.Wait()
		close(results)
	}()

	start := time.Now()
	written := 0
	fail := func(err error) {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		log.Fatal(err)
	}
	for ex := range results {
		buf, err := ex.Uint16()
		if err != nil {
			fail(err)
		}
		h, w := ex.Counts.Dims()
		var b bytes.Buffer
		err = fits.WriteU16(&b, ex.Cards, w, h, buf)
		if err != nil {
			fail(err)
		}
		if _, err = rec.Save(b.Bytes()); err != nil {
			fail(err)
		}
		written++
		spinner.Message(fmt.Sprintf("%d/%d frames", written, n))
	}
	if err := <-errc; err != nil {
		fail(err)
	}
	spinner.StopMessage(fmt.Sprintf("%d frames in %v", written, time.Since(start).Round(time.Millisecond)))
	spinner.Stop()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "sim":
		sim(args[2:])
		return
	case "batch":
		batch(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
