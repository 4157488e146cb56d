// Command speedplot renders the centroid speed profile of one recorded
// trial as a PNG, with the trigger events marked.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/grasplab/reach.report/internal/kinematics"
	"github.com/grasplab/reach.report/internal/natnet"
	"github.com/grasplab/reach.report/internal/triallog"
	"github.com/grasplab/reach.report/internal/units"
)

var (
	dbPath  = flag.String("db", "trials.db", "trial database path")
	trialID = flag.String("trial", "", "trial ID to plot (default: most recent)")
	output  = flag.String("o", "speed.png", "output PNG path")
	unit    = flag.String("units", units.CMPS, "speed units: mps, cmps, or mmps")
	window  = flag.Int("window", 5, "smoothing window in frames")
)

func main() {
	flag.Parse()
	if !units.IsValid(*unit) {
		log.Fatalf("unknown units %q", *unit)
	}

	db, err := triallog.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open trial database: %v", err)
	}
	defer db.Close()

	id := *trialID
	if id == "" {
		id, err = latestTrial(db)
		if err != nil {
			log.Fatalf("failed to pick a trial: %v", err)
		}
	}
	rec, err := db.TrialRecord(id)
	if err != nil {
		log.Fatalf("failed to load trial %s: %v", id, err)
	}

	pts, err := speedSeries(rec)
	if err != nil {
		log.Fatalf("failed to compute speeds: %v", err)
	}
	if len(pts) == 0 {
		log.Fatalf("trial %s has no usable velocity samples", id)
	}

	if err := render(rec, pts, *output); err != nil {
		log.Fatalf("failed to render plot: %v", err)
	}
	log.Printf("wrote %s (%d samples, %d events)", *output, len(pts), len(rec.Events))
}

func latestTrial(db *triallog.DB) (string, error) {
	trials, err := db.Trials()
	if err != nil {
		return "", err
	}
	if len(trials) == 0 {
		return "", errors.New("database holds no trials")
	}
	return trials[0].ID, nil
}

// speedSeries replays the persisted marker rows through the estimator,
// so the plotted profile matches what the online pipeline saw.
func speedSeries(rec *triallog.Record) (plotter.XYs, error) {
	est, err := kinematics.NewEstimator(*window, len(rec.Frames)+1)
	if err != nil {
		return nil, err
	}

	scale := units.ConvertSpeed(1, *unit)

	var pts plotter.XYs
	for _, f := range regroupFrames(rec.Frames) {
		s, err := est.Step(f)
		if err != nil {
			continue
		}
		if s.Stale {
			continue
		}
		pts = append(pts, plotter.XY{X: s.Timestamp.Seconds(), Y: s.Speed * scale})
	}
	return pts, nil
}

// regroupFrames folds per-marker rows back into capture frames. Rows come
// out of the store ordered by timestamp then marker ID.
func regroupFrames(rows []triallog.FrameRow) []natnet.Frame {
	byNum := make(map[uint32]*natnet.Frame)
	var order []uint32
	for _, r := range rows {
		f, ok := byNum[r.FrameNum]
		if !ok {
			f = &natnet.Frame{FrameNum: r.FrameNum, Timestamp: r.Timestamp}
			byNum[r.FrameNum] = f
			order = append(order, r.FrameNum)
		}
		f.Markers = append(f.Markers, natnet.Marker{
			ID: r.MarkerID, X: r.X, Y: r.Y, Z: r.Z, Valid: r.Valid,
		})
	}
	sort.Slice(order, func(i, j int) bool {
		return byNum[order[i]].Timestamp < byNum[order[j]].Timestamp
	})
	frames := make([]natnet.Frame, 0, len(order))
	for _, n := range order {
		frames = append(frames, *byNum[n])
	}
	return frames
}

func render(rec *triallog.Record, pts plotter.XYs, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trial %s (%s, %s)", rec.Trial.ID, rec.Trial.Phase, rec.Trial.Outcome)
	p.X.Label.Text = "capture time (s)"
	p.Y.Label.Text = fmt.Sprintf("centroid speed (%s)", *unit)

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{B: 200, A: 255}
	p.Add(line)
	p.Legend.Add("speed", line)

	top := 0.0
	for _, xy := range pts {
		if xy.Y > top {
			top = xy.Y
		}
	}

	eventColors := map[string]color.RGBA{
		"reveal":         {R: 200, A: 255},
		"end_zone_entry": {G: 160, A: 255},
		"trial_timeout":  {R: 160, G: 120, A: 255},
	}
	for _, ev := range rec.Events {
		x := ev.Timestamp.Seconds()
		mark, err := plotter.NewLine(plotter.XYs{{X: x, Y: 0}, {X: x, Y: top}})
		if err != nil {
			return err
		}
		mark.Width = vg.Points(1)
		mark.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		if c, ok := eventColors[ev.Kind]; ok {
			mark.Color = c
		}
		p.Add(mark)
		p.Legend.Add(ev.Kind, mark)
	}

	return p.Save(10*vg.Inch, 4*vg.Inch, path)
}
