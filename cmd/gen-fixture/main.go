// Command gen-fixture generates synthetic frame fixtures for dev-mode
// replay and for exercising the detection pipeline without a capture rig.
package main

import (
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/grasplab/reach.report/internal/natnet"
)

var (
	output  = flag.String("o", "fixtures/reach.bin", "output path")
	kind    = flag.String("kind", "reach", "trajectory: reach, static, or occlusion")
	rate    = flag.Int("rate", 120, "capture rate in frames per second")
	hold    = flag.Int("hold", 60, "frames of static hold before movement")
	move    = flag.Int("move", 120, "frames of ramped movement")
	targetZ = flag.Float64("target", 0.35, "reach endpoint on the z axis in meters")
	seed    = flag.Uint64("seed", 1, "jitter seed")
)

func main() {
	flag.Parse()

	var frames []natnet.Frame
	switch *kind {
	case "reach":
		frames = reachFrames(false)
	case "static":
		frames = staticFrames()
	case "occlusion":
		frames = reachFrames(true)
	default:
		log.Fatalf("unknown trajectory kind %q", *kind)
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create fixture: %v", err)
	}
	defer f.Close()
	if err := natnet.WriteFixture(f, frames); err != nil {
		log.Fatalf("failed to write fixture: %v", err)
	}
	log.Printf("wrote %d frames (%s) to %s", len(frames), *kind, *output)
}

// frameAt builds one frame with three markers jittered around the
// effector centroid, roughly the spread of a hand-mounted marker trio.
func frameAt(rng *rand.Rand, num uint32, ts time.Duration, z float64) natnet.Frame {
	markers := make([]natnet.Marker, 3)
	for i := range markers {
		markers[i] = natnet.Marker{
			ID:    uint16(i + 1),
			X:     0.10 + 0.02*float64(i) + jitter(rng),
			Y:     0.05 + jitter(rng),
			Z:     z + jitter(rng),
			Valid: true,
		}
	}
	return natnet.Frame{FrameNum: num, Timestamp: ts, Markers: markers}
}

// jitter returns sub-millimeter marker noise, below any detection
// threshold at capture rate.
func jitter(rng *rand.Rand) float64 {
	return (rng.Float64() - 0.5) * 0.0004
}

func frameInterval() time.Duration {
	return time.Second / time.Duration(*rate)
}

// reachFrames ramps the centroid along z from rest to the target after a
// static hold. With occlude set, a burst of fully occluded frames is
// inserted mid-reach to exercise stale handling.
func reachFrames(occlude bool) []natnet.Frame {
	rng := rand.New(rand.NewPCG(*seed, 0))
	dt := frameInterval()
	step := *targetZ / float64(*move)

	var frames []natnet.Frame
	num := uint32(1)
	ts := time.Duration(0)
	for i := 0; i < *hold; i++ {
		frames = append(frames, frameAt(rng, num, ts, 0))
		num++
		ts += dt
	}
	for i := 0; i < *move; i++ {
		f := frameAt(rng, num, ts, step*float64(i+1))
		if occlude && i >= *move/3 && i < *move/3+4 {
			for j := range f.Markers {
				f.Markers[j].Valid = false
			}
		}
		frames = append(frames, f)
		num++
		ts += dt
	}
	// Settle at the endpoint long enough for end-zone confirmation.
	for i := 0; i < *rate/2; i++ {
		frames = append(frames, frameAt(rng, num, ts, *targetZ))
		num++
		ts += dt
	}
	return frames
}

// staticFrames holds the effector at rest for the whole recording, long
// enough to run a movement-insurance timeout against.
func staticFrames() []natnet.Frame {
	rng := rand.New(rand.NewPCG(*seed, 0))
	dt := frameInterval()
	n := *hold + *move
	frames := make([]natnet.Frame, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, frameAt(rng, uint32(i+1), time.Duration(i)*dt, 0))
	}
	return frames
}
