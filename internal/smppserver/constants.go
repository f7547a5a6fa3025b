package smppserver

import "github.com/linxGnu/gosmpp/data"

// Command statuses answered by the edge itself. Routing failures map
// through errormapper.SMPP.
const (
	StatusInvMsgLen = data.CommandStatusType(0x00000001) // ESME_RINVMSGLEN
	StatusInvCmdID  = data.CommandStatusType(0x00000003) // ESME_RINVCMDID
	StatusInvBndSts = data.CommandStatusType(0x00000004) // ESME_RINVBNDSTS
	StatusAlyBnd    = data.CommandStatusType(0x00000005) // ESME_RALYBND
	StatusSysErr    = data.CommandStatusType(0x00000008) // ESME_RSYSERR
	StatusBindFail  = data.CommandStatusType(0x0000000D) // ESME_RBINDFAIL
	StatusInvPaswd  = data.CommandStatusType(0x0000000E) // ESME_RINVPASWD
)

// maxPDULength bounds the command_length accepted from a client.
const maxPDULength = 64 * 1024
