// Package scrape defines the pipeline's task model and the collaborator
// interfaces the worker, API and stores agree on.
package scrape
