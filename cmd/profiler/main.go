package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/paulmach/orb"

	"github.com/qrafzv/openlayers/cluster"
	"github.com/qrafzv/openlayers/monitoring"
	"github.com/qrafzv/openlayers/store"
)

var (
	cpuprofile  = flag.String("cpuprofile", "", "write cpu profile to file")
	memprofile  = flag.String("memprofile", "", "write memory profile to file")
	heapprofile = flag.String("heapprofile", "", "write heap profile to file")
	numFeatures = flag.Int("features", 100000, "number of features to generate")
	resolution  = flag.Float64("resolution", 0.01, "view resolution in map units per pixel")
	projection  = flag.String("projection", string(cluster.EPSG4326), "view projection, EPSG:4326 or EPSG:3857")
	distance    = flag.Float64("distance", 40, "cluster distance in pixels")
	testall     = flag.Bool("testall", false, "test all configurations")
)

var usBounds = orb.Bound{Min: orb.Point{-125.0, 25.0}, Max: orb.Point{-65.0, 49.0}}

// newEngine builds a store of n deterministic features and an engine over
// it, viewed in the requested projection.
func newEngine(n int) (*cluster.Engine, error) {
	s := store.New(nil)
	if err := s.Add(cluster.GenerateTestFeatures(n, usBounds, 42)...); err != nil {
		return nil, err
	}

	var src cluster.Source = s
	if viewProjection() != cluster.EPSG4326 {
		r, err := store.NewReprojected(s, cluster.EPSG4326, viewProjection())
		if err != nil {
			return nil, err
		}
		src = r
	}
	return cluster.NewEngine(src, cluster.Options{Distance: *distance}), nil
}

func viewProjection() cluster.Projection {
	return cluster.Canonical(cluster.Projection(*projection))
}

func runSingleProfile(n int, res float64) {
	fmt.Printf("Profiling with %d features at resolution %g\n", n, res)

	e, err := newEngine(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not build features: %v\n", err)
		return
	}

	// Measure memory before clustering
	var memStatsBefore, memStatsAfter runtime.MemStats
	runtime.ReadMemStats(&memStatsBefore)

	start := time.Now()
	e.Refresh(res, viewProjection())
	duration := time.Since(start)

	runtime.ReadMemStats(&memStatsAfter)
	allocMB := float64(memStatsAfter.TotalAlloc-memStatsBefore.TotalAlloc) / 1024 / 1024

	summary := cluster.Summarize(e.Items())
	fmt.Printf("Clustering completed in %v\n", duration)
	fmt.Printf("Output: %d clusters, %d pass-through features\n", summary.NumClusters, summary.NumPassThrough)
	fmt.Printf("Memory allocated: %.2f MB\n", allocMB)
	fmt.Printf("Memory usage: %.2f MB\n", float64(memStatsAfter.Alloc)/1024/1024)
	fmt.Printf("Bounding boxes reprojected: %d\n", e.Cache().Reprojections())
}

func runProfileBattery() {
	featureCounts := []int{1000, 10000, 50000, 100000}
	resolutions := []float64{0.1, 0.02, 0.005, 0.001, 0.0002}

	fmt.Println("Running comprehensive profile battery...")
	fmt.Println("=======================================")

	// Table header
	fmt.Printf("%-10s | %-10s | %-10s | %-15s | %-10s | %-10s\n",
		"Features", "Resolution", "Clusters", "Duration", "Memory (MB)", "GC Runs")
	fmt.Printf("%s\n", "------------------------------------------------------------------------")

	for _, n := range featureCounts {
		e, err := newEngine(n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not build features: %v\n", err)
			return
		}

		for _, res := range resolutions {
			var memStatsBefore, memStatsAfter runtime.MemStats
			runtime.ReadMemStats(&memStatsBefore)

			start := time.Now()
			e.Refresh(res, viewProjection())
			duration := time.Since(start)

			runtime.ReadMemStats(&memStatsAfter)
			memMB := float64(memStatsAfter.TotalAlloc-memStatsBefore.TotalAlloc) / 1024 / 1024
			gcRuns := memStatsAfter.NumGC - memStatsBefore.NumGC

			clusters := 0
			for _, it := range e.Items() {
				if it.IsCluster() {
					clusters++
				}
			}

			fmt.Printf("%-10d | %-10g | %-10d | %-15s | %-10.2f | %-10d\n",
				n, res, clusters, duration, memMB, gcRuns)
		}

		// Add separator between feature counts
		fmt.Printf("%s\n", "------------------------------------------------------------------------")
	}
}

func main() {
	flag.Parse()
	monitoring.SetLogger(nil)

	// Set up CPU profiling if requested
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			return
		}
		defer f.Close()

		fmt.Println("Starting CPU profiling...")
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			return
		}
		defer pprof.StopCPUProfile()
	}

	// Run tests
	if *testall {
		runProfileBattery()
	} else {
		runSingleProfile(*numFeatures, *resolution)
	}

	// Write memory profile if requested
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC() // Get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
		}
	}

	// Write heap profile if requested
	if *heapprofile != "" {
		f, err := os.Create(*heapprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create heap profile: %v\n", err)
			return
		}
		defer f.Close()

		memProfile := pprof.Lookup("heap")
		if memProfile == nil {
			fmt.Fprintf(os.Stderr, "Could not find heap profile\n")
			return
		}

		if err := memProfile.WriteTo(f, 0); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write heap profile: %v\n", err)
		}
	}
}
