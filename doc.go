// Package jp2 provides structural access to JPEG 2000 family files.
//
// The package parses the box-based container format of JP2 and JPX files
// (ITU-T T.800 Annex I / ISO/IEC 15444-2 Annex M) and the marker-segment
// format of raw codestreams (.j2k/.j2c) into navigable, typed trees, and
// serializes such trees back into valid files. It does not decode pixels:
// the wavelet transform and entropy coding are the responsibility of an
// external codec reached through the Codec interface.
//
// Reading:
//
//	f, err := jp2.Open("image.jp2")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Close()
//	cs, err := f.Codestream()
//
// Malformed files do not abort the parse. Structural anomalies inside
// recognized boxes and marker segments are recovered locally and reported
// through File.Warnings; only a file with neither a JP2 signature box nor
// an SOC marker at offset 0 is rejected outright.
//
// Writing:
//
//	err := jp2.Wrap("out.jp2", boxes)
//
// Wrap validates the complete box list against the JP2/JPX structural
// rules before a single byte is written.
package jp2
