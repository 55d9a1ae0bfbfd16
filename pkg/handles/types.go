// Package handles reads the system handle table and resolves type indices
// to the well-known kernel object type names.
package handles

import "fmt"

// Handle is one entry of the system handle table belonging to a process.
type Handle struct {
	Value           uint16
	ObjectTypeIndex uint8
	TypeName        string
	GrantedAccess   uint32
	OwnerPID        uint32
}

// Object type indices as assigned on current Windows 10/11 builds.
var objectTypeNames = [...]string{
	"Reserved", "Reserved", "Type", "Directory", "SymbolicLink",
	"Token", "Job", "Process", "Thread", "UserApcReserve",
	"IoCompletionReserve", "ActivityReference", "PsSiloContextPaged",
	"PsSiloContextNonPaged", "DebugObject", "Event", "Mutant",
	"Callback", "Semaphore", "Timer", "IRTimer", "Profile",
	"KeyedEvent", "WindowStation", "Desktop", "Composition",
	"RawInputManager", "CoreMessaging", "TpWorkerFactory", "Adapter",
	"Controller", "Device", "Driver", "IoCompletion",
	"WaitCompletionPacket", "File", "TmTm", "TmTx", "TmRm", "TmEn",
	"Section", "Session", "Partition", "Key", "RegistryTransaction",
	"ALPC Port", "EnergyTracker", "PowerRequest", "WmiGuid",
	"EtwRegistration", "EtwSessionDemuxEntry", "EtwConsumer",
	"DmaAdapter", "DmaDomain", "PcwObject", "FilterConnectionPort",
	"FilterCommunicationPort", "NdisCmState", "DxgkSharedResource",
	"DxgkSharedSyncObject", "DxgkSharedSwapChainObject",
}

// TypeName maps an object type index to its display name.
func TypeName(idx uint8) string {
	if int(idx) < len(objectTypeNames) {
		return objectTypeNames[idx]
	}
	return fmt.Sprintf("Unknown (%d)", idx)
}

// Category buckets a type name for display grouping.
func Category(typeName string) string {
	switch typeName {
	case "File":
		return "file"
	case "Key":
		return "registry"
	case "Process", "Thread", "Job":
		return "process"
	case "Event", "Mutant", "Semaphore", "Timer":
		return "sync"
	case "Section":
		return "memory"
	case "Token":
		return "security"
	case "ALPC Port":
		return "ipc"
	case "Directory", "SymbolicLink":
		return "namespace"
	default:
		return "other"
	}
}
