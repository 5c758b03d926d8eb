// Package meterconf holds the meter document: broker, camera, digit masks
// and reader thresholds, plus the last accepted meter value.
package meterconf

import (
	"fmt"
	"sort"
	"time"
)

// Topics are the MQTT topics the reader publishes and listens on.
type Topics struct {
	FlashOn       string `json:"flashOn" yaml:"flashOn"`
	FlashOff      string `json:"flashOff" yaml:"flashOff"`
	MeterReport   string `json:"meterReport" yaml:"meterReport"`
	ValueRequest  string `json:"valueRequest,omitempty" yaml:"valueRequest,omitempty"`
	ValueResponse string `json:"valueResponse,omitempty" yaml:"valueResponse,omitempty"`
}

type MQTTDesc struct {
	BrokerURL     string `json:"brokerUrl" yaml:"brokerUrl"`
	BrokerTCPPort int    `json:"brokerTcpPort" yaml:"brokerTcpPort"`
	User          string `json:"user" yaml:"user"`
	Pass          string `json:"pass" yaml:"pass"`
	Topics        Topics `json:"topics" yaml:"topics"`
}

type CameraDesc struct {
	CamURL string `json:"camUrl" yaml:"camUrl"`
	// Rotation in degrees, counter-clockwise.
	Rotation float64 `json:"rotation" yaml:"rotation"`
}

// Point is a pixel coordinate [x, y].
type Point [2]int

func (p Point) X() int { return p[0] }
func (p Point) Y() int { return p[1] }

// Rect is a digit mask [top-left, bottom-right].
type Rect [2]Point

func (r Rect) Min() Point { return r[0] }
func (r Rect) Max() Point { return r[1] }

// Valid reports whether the rectangle has a positive area.
func (r Rect) Valid() bool {
	return r[0].X() < r[1].X() && r[0].Y() < r[1].Y()
}

type ImgMaskDesc struct {
	// DigitSize is [whole digits, fractional digits], written by the mask UI.
	DigitSize [2]int `json:"digitSize" yaml:"digitSize"`
	// DigMasks maps the decimal exponent of a digit to its rectangle.
	DigMasks map[int]Rect `json:"digMasks" yaml:"digMasks"`
}

// Exponents returns the mask exponents, most significant first.
func (d ImgMaskDesc) Exponents() []int {
	exps := make([]int, 0, len(d.DigMasks))
	for e := range d.DigMasks {
		exps = append(exps, e)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(exps)))
	return exps
}

type MeterReaderDesc struct {
	FlashBright       float64 `json:"flashBright" yaml:"flashBright"`
	FlashTime         float64 `json:"flashTime" yaml:"flashTime"`
	TimeBtwRounds     float64 `json:"timeBtwRounds" yaml:"timeBtwRounds"`
	SingleStepThresh  float64 `json:"singleStepThresh" yaml:"singleStepThresh"`
	MinConfidence     float64 `json:"minConfidence" yaml:"minConfidence"`
	ErrorStreakThresh int     `json:"errorStreakThresh" yaml:"errorStreakThresh"`
	FirstRoundExempt  bool    `json:"firstRoundExempt" yaml:"firstRoundExempt"`
	InitMeterVal      float64 `json:"initMeterVal" yaml:"initMeterVal"`
}

// FlashDuration is the illumination warm-up.
func (m MeterReaderDesc) FlashDuration() time.Duration {
	return seconds(m.FlashTime)
}

// RoundInterval is the idle time between cycles.
func (m MeterReaderDesc) RoundInterval() time.Duration {
	return seconds(m.TimeBtwRounds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Document is the persisted meter description.
type Document struct {
	MQTTDesc        MQTTDesc        `json:"mqttDesc" yaml:"mqttDesc"`
	CameraDesc      CameraDesc      `json:"cameraDesc" yaml:"cameraDesc"`
	ImgMaskDesc     ImgMaskDesc     `json:"imgMaskDesc" yaml:"imgMaskDesc"`
	MeterReaderDesc MeterReaderDesc `json:"meterReaderDesc" yaml:"meterReaderDesc"`
}

const (
	DefaultFlashBright       = 50
	DefaultFlashTime         = 2
	DefaultTimeBtwRounds     = 60
	DefaultSingleStepThresh  = 1.0
	DefaultMinConfidence     = 0.8
	DefaultErrorStreakThresh = 4
	DefaultBrokerPort        = 1883
)

// DefaultDocument returns the values used for keys absent from a file.
func DefaultDocument() *Document {
	return &Document{
		MQTTDesc: MQTTDesc{
			BrokerTCPPort: DefaultBrokerPort,
		},
		ImgMaskDesc: ImgMaskDesc{
			DigMasks: map[int]Rect{},
		},
		MeterReaderDesc: MeterReaderDesc{
			FlashBright:       DefaultFlashBright,
			FlashTime:         DefaultFlashTime,
			TimeBtwRounds:     DefaultTimeBtwRounds,
			SingleStepThresh:  DefaultSingleStepThresh,
			MinConfidence:     DefaultMinConfidence,
			ErrorStreakThresh: DefaultErrorStreakThresh,
			FirstRoundExempt:  true,
		},
	}
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := *d
	c.ImgMaskDesc.DigMasks = make(map[int]Rect, len(d.ImgMaskDesc.DigMasks))
	for e, r := range d.ImgMaskDesc.DigMasks {
		c.ImgMaskDesc.DigMasks[e] = r
	}
	return &c
}

// Validate checks value ranges. Missing masks are not an error here; the
// reader reports them as a setting fault each cycle.
func (d *Document) Validate() error {
	m := d.MeterReaderDesc
	switch {
	case d.MQTTDesc.BrokerURL == "":
		return fmt.Errorf("mqttDesc.brokerUrl is required")
	case d.MQTTDesc.BrokerTCPPort <= 0 || d.MQTTDesc.BrokerTCPPort > 65535:
		return fmt.Errorf("mqttDesc.brokerTcpPort %d out of range", d.MQTTDesc.BrokerTCPPort)
	case m.FlashBright < 0 || m.FlashBright > 100:
		return fmt.Errorf("meterReaderDesc.flashBright %.1f not in [0,100]", m.FlashBright)
	case m.FlashTime < 0 || m.TimeBtwRounds < 0:
		return fmt.Errorf("meterReaderDesc times must not be negative")
	case m.SingleStepThresh < 0:
		return fmt.Errorf("meterReaderDesc.singleStepThresh must not be negative")
	case m.MinConfidence < 0 || m.MinConfidence > 1:
		return fmt.Errorf("meterReaderDesc.minConfidence %.2f not in [0,1]", m.MinConfidence)
	case m.ErrorStreakThresh < 0:
		return fmt.Errorf("meterReaderDesc.errorStreakThresh must not be negative")
	}

	for e, r := range d.ImgMaskDesc.DigMasks {
		if !r.Valid() {
			return fmt.Errorf("imgMaskDesc.digMasks[%d] has no area", e)
		}
	}

	return nil
}
