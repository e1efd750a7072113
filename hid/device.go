package hid

import (
	"fmt"

	cesantahid "github.com/cesanta/hid"
)

// Device adapts a cesanta/hid.Device to Transport.
type Device struct {
	dev cesantahid.Device
}

// Open opens the first HID device matching vendor/product.
func Open(vendor, product uint16) (*Device, error) {
	infos, err := cesantahid.Devices()
	if err != nil {
		return nil, &Error{Kind: HidFailure, Err: fmt.Errorf("open %04x:%04x: %w", vendor, product, err)}
	}
	for _, info := range infos {
		if info.VendorID != vendor || info.ProductID != product {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			return nil, &Error{Kind: HidFailure, Err: fmt.Errorf("open %04x:%04x: %w", vendor, product, err)}
		}
		return &Device{dev: dev}, nil
	}
	return nil, &Error{Kind: HidFailure, Err: fmt.Errorf("open %04x:%04x: no matching device", vendor, product)}
}

// WriteReport writes one 64-byte OUT report.
func (d *Device) WriteReport(reportID byte, report Report) error {
	buf := make([]byte, 0, ReportSize+1)
	buf = append(buf, reportID)
	buf = append(buf, report[:]...)
	if err := d.dev.Write(buf); err != nil {
		return &Error{Kind: HidFailure, Err: err}
	}
	return nil
}

// ReadReport blocks until one inbound 64-byte report arrives.
func (d *Device) ReadReport() (Report, error) {
	buf, ok := <-d.dev.ReadCh()
	if !ok {
		err := d.dev.ReadError()
		if err == nil {
			err = fmt.Errorf("read channel closed")
		}
		return Report{}, &Error{Kind: HidFailure, Err: err}
	}
	var r Report
	if len(buf) < ReportSize {
		return Report{}, &Error{Kind: HidFailure, Err: fmt.Errorf("short report: %d bytes", len(buf))}
	}
	copy(r[:], buf[:ReportSize])
	return r, nil
}

// Close releases the device handle.
func (d *Device) Close() error {
	d.dev.Close()
	return nil
}
