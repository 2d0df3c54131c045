// Package config loads the YAML deployment file of a stagehand server: the
// state store location, lane sizes, retry and breaker tuning, the stage
// catalogue and the item types built from it.
//
// Example:
//
//	store_path: /var/lib/stagehand
//	listen: ":8080"
//	lanes:
//	  high: 4
//	  normal: 8
//	  low: 2
//	stages:
//	  - name: ocr
//	    kind: http-async
//	    url: http://ocr.internal/jobs
//	    breaker_scope: ocr-service
//	  - name: classify
//	    kind: http
//	    url: http://classifier.internal/run
//	    timeout: 2m
//	pipelines:
//	  document: [ocr, classify]
//	sink:
//	  duckdb: /var/lib/stagehand/results.db
package config
