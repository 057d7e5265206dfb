// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {
}

func outputMetrics(states States) {
	var (
		mLoggedIn = prometheus.NewDesc(
			"iscsi_session_logged_in",
			"Boolean describing whether the session reached FullFeaturePhase",
			[]string{"portal", "target"}, nil,
		)
		mReady = prometheus.NewDesc(
			"iscsi_lun_ready",
			"Boolean describing whether TEST UNIT READY returned GOOD for the LUN",
			[]string{"portal", "target", "lun"}, nil,
		)
		mCmdSN = prometheus.NewDesc(
			"iscsi_session_cmdsn",
			"The session's current CmdSN counter",
			[]string{"portal", "target"}, nil,
		)
		mCapacityBlocks = prometheus.NewDesc(
			"iscsi_lun_capacity_blocks",
			"READ CAPACITY 10 reported block count (last LBA + 1)",
			[]string{"portal", "target", "lun"}, nil,
		)
		mBlockSize = prometheus.NewDesc(
			"iscsi_lun_block_size_bytes",
			"READ CAPACITY 10 reported block size in bytes",
			[]string{"portal", "target", "lun"}, nil,
		)
	)
	mc := &metricCollector{}
	for _, s := range states {
		lun := fmt.Sprintf("%d", s.LUN)
		loggedIn := float64(0)
		if s.LoggedIn {
			loggedIn = 1
		}
		mc.m = append(mc.m, prometheus.MustNewConstMetric(mLoggedIn, prometheus.GaugeValue, loggedIn, s.Portal, s.TargetName))
		mc.m = append(mc.m, prometheus.MustNewConstMetric(mCmdSN, prometheus.GaugeValue, float64(s.CmdSN), s.Portal, s.TargetName))

		if !s.LoggedIn {
			continue
		}
		ready := float64(0)
		if s.Ready {
			ready = 1
		}
		mc.m = append(mc.m, prometheus.MustNewConstMetric(mReady, prometheus.GaugeValue, ready, s.Portal, s.TargetName, lun))

		if s.BlockSize > 0 {
			mc.m = append(mc.m, prometheus.MustNewConstMetric(mCapacityBlocks, prometheus.GaugeValue, float64(s.LastLBA)+1, s.Portal, s.TargetName, lun))
			mc.m = append(mc.m, prometheus.MustNewConstMetric(mBlockSize, prometheus.GaugeValue, float64(s.BlockSize), s.Portal, s.TargetName, lun))
		}
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc)

	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("Failed to serialize metrics: %v", err)
		}
	}
}
