package udata

import (
	"fmt"

	"github.com/adiabat/bech32"
)

// PkScriptToAddress renders a witness pkscript as a bech32 address with the
// given human readable prefix.  Only witness programs encode; anything else
// comes back as an error since the bridge only renders, never validates.
func PkScriptToAddress(pkScript []byte, hrp string) (string, error) {
	if len(pkScript) < 4 || pkScript[0] != 0x00 {
		return "", fmt.Errorf("not a v0 witness pkscript (%d bytes)",
			len(pkScript))
	}
	return bech32.SegWitAddressEncode(hrp, pkScript)
}

// AddressToPkScript turns a bech32 address back into the pkscript it pays
// to.  v0 p2wpkh and p2wsh come out 22 and 34 bytes.
func AddressToPkScript(addr string) ([]byte, error) {
	pkScript, err := bech32.SegWitAddressDecode(addr)
	if err != nil {
		return nil, err
	}
	if len(pkScript) != 22 && len(pkScript) != 34 {
		return nil, fmt.Errorf("address %s decodes to %d byte script",
			addr, len(pkScript))
	}
	return pkScript, nil
}
