// Package internaldefs holds the metric names, help strings and bucket
// boundaries shared by the Prometheus and OTel exporters.
//
// Changing a definition here changes every exporter at once.
package internaldefs
