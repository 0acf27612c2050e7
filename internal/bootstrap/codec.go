package bootstrap

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so a control file written
// twice with the same content is byte-identical.
var encMode cbor.EncMode

// decMode ignores unknown fields so an older binary can still read what a
// newer one wrote.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bootstrap: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("bootstrap: CBOR decoder initialization failed: " + err.Error())
	}
}
