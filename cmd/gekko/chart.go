package main

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/colorfulnotion/gekko/jit"
)

// writeOccupancyChart renders valid-bitmap occupancy per 4 KiB of guest
// physical memory as a bar chart, one quick look at where compiled code
// clusters.
func writeOccupancyChart(path string, cache *jit.BlockCache) error {
	words := cache.GetBlockBitSet()

	// 32 chunks of 32 bytes per word: one word covers 1 KiB, four words
	// one page.
	const wordsPerPage = 4
	var labels []string
	var values []opts.BarData
	for page := 0; page*wordsPerPage < len(words); page++ {
		set := 0
		for w := 0; w < wordsPerPage && page*wordsPerPage+w < len(words); w++ {
			set += popcount(words[page*wordsPerPage+w])
		}
		if set == 0 {
			continue
		}
		labels = append(labels, fmt.Sprintf("%05x", page*4096))
		values = append(values, opts.BarData{Value: set})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Block cache occupancy",
			Subtitle: "valid 32-byte chunks per guest page",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).AddSeries("chunks", values)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart file: %w", err)
	}
	defer f.Close()
	return bar.Render(f)
}

func popcount(v uint32) int {
	n := 0
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}
