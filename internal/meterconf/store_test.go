package meterconf_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/meterconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyJSON = `{
    "mqttDesc": {
        "brokerUrl": "192.168.1.10",
        "brokerTcpPort": 1883,
        "user": "meter",
        "pass": "secret",
        "topics": {
            "flashOn": "cellar/flash/on",
            "flashOff": "cellar/flash/off",
            "meterReport": "cellar/gas/report"
        }
    },
    "cameraDesc": {"camUrl": "http://cam.local/snapshot.jpg"},
    "imgMaskDesc": {
        "digitSize": [2, 1],
        "digMasks": {
            "1": [[10, 5], [30, 37]],
            "0": [[40, 5], [60, 37]],
            "-1": [[70, 5], [90, 37]]
        }
    },
    "meterReaderDesc": {
        "flashBright": 80,
        "flashTime": 3,
        "timeBtwRounds": 120,
        "singleStepThresh": 10,
        "initMeterVal": 40.0
    }
}`

func writeDocument(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadLegacyJSON(t *testing.T) {
	store, err := meterconf.NewStore(writeDocument(t, "MeterToolConf.json", legacyJSON))
	require.NoError(t, err)

	doc, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", doc.MQTTDesc.BrokerURL)
	assert.Equal(t, "cellar/gas/report", doc.MQTTDesc.Topics.MeterReport)
	assert.Equal(t, "http://cam.local/snapshot.jpg", doc.CameraDesc.CamURL)
	assert.Equal(t, meterconf.Rect{{70, 5}, {90, 37}}, doc.ImgMaskDesc.DigMasks[-1])
	assert.Equal(t, []int{1, 0, -1}, doc.ImgMaskDesc.Exponents())
	assert.Equal(t, 3*time.Second, doc.MeterReaderDesc.FlashDuration())
	assert.Equal(t, 2*time.Minute, doc.MeterReaderDesc.RoundInterval())
	assert.Equal(t, 40.0, doc.MeterReaderDesc.InitMeterVal)

	// Keys absent from the legacy layout fall back to defaults.
	assert.Equal(t, meterconf.DefaultMinConfidence, doc.MeterReaderDesc.MinConfidence)
	assert.Equal(t, meterconf.DefaultErrorStreakThresh, doc.MeterReaderDesc.ErrorStreakThresh)
	assert.True(t, doc.MeterReaderDesc.FirstRoundExempt)
	assert.Equal(t, 0.0, doc.CameraDesc.Rotation)
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"meter.json", "meter.yaml", "meter.yml"} {
		t.Run(name, func(t *testing.T) {
			source, err := meterconf.NewStore(writeDocument(t, "MeterToolConf.json", legacyJSON))
			require.NoError(t, err)
			doc, err := source.Load()
			require.NoError(t, err)

			doc.MeterReaderDesc.InitMeterVal = 45.125
			doc.CameraDesc.Rotation = 90

			store, err := meterconf.NewStore(filepath.Join(t.TempDir(), name))
			require.NoError(t, err)
			require.NoError(t, store.Save(doc))

			loaded, err := store.Load()
			require.NoError(t, err)
			assert.Equal(t, doc, loaded)
		})
	}
}

func TestSaveReplacesAtomically(t *testing.T) {
	path := writeDocument(t, "MeterToolConf.json", legacyJSON)
	store, err := meterconf.NewStore(path)
	require.NoError(t, err)

	doc, err := store.Load()
	require.NoError(t, err)
	doc.MeterReaderDesc.InitMeterVal = 41
	require.NoError(t, store.Save(doc))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 41.0, loaded.MeterReaderDesc.InitMeterVal)
}

func TestSaveFailure(t *testing.T) {
	store, err := meterconf.NewStore(filepath.Join(t.TempDir(), "missing", "meter.json"))
	require.NoError(t, err)

	err = store.Save(meterconf.DefaultDocument())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, meterconf.ErrWriteDocument))
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		code    errors.ErrorCode
	}{
		{"missing file", "", "", meterconf.ErrReadDocument},
		{"malformed json", "meter.json", "{", meterconf.ErrDecodeDocument},
		{"malformed yaml", "meter.yaml", "mqttDesc: [", meterconf.ErrDecodeDocument},
		{"no broker", "meter.json", `{"meterReaderDesc": {"initMeterVal": 1}}`, meterconf.ErrInvalidDocument},
		{
			"inverted mask", "meter.json",
			`{"mqttDesc": {"brokerUrl": "b"}, "imgMaskDesc": {"digMasks": {"0": [[30, 30], [10, 10]]}}}`,
			meterconf.ErrInvalidDocument,
		},
		{
			"confidence out of range", "meter.yaml",
			"mqttDesc:\n  brokerUrl: b\nmeterReaderDesc:\n  minConfidence: 1.5\n",
			meterconf.ErrInvalidDocument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "absent.json")
			if tt.file != "" {
				path = writeDocument(t, tt.file, tt.content)
			}

			store, err := meterconf.NewStore(path)
			require.NoError(t, err)

			_, err = store.Load()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), err.Error())
		})
	}
}

func TestUnknownFormat(t *testing.T) {
	_, err := meterconf.NewStore("/etc/meter.ini")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, meterconf.ErrUnknownFormat))
}

func TestClone(t *testing.T) {
	doc := meterconf.DefaultDocument()
	doc.ImgMaskDesc.DigMasks[0] = meterconf.Rect{{0, 0}, {10, 10}}

	c := doc.Clone()
	c.ImgMaskDesc.DigMasks[1] = meterconf.Rect{{0, 0}, {5, 5}}
	c.MeterReaderDesc.InitMeterVal = 7

	assert.Len(t, doc.ImgMaskDesc.DigMasks, 1)
	assert.Equal(t, 0.0, doc.MeterReaderDesc.InitMeterVal)
}
