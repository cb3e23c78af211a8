package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation        ErrCode = "VALIDATION_ERROR"
	ErrInvalidID         ErrCode = "INVALID_ID"
	ErrInvalidPayload    ErrCode = "INVALID_PAYLOAD"
	ErrInvalidBatchIndex ErrCode = "INVALID_BATCH_INDEX"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Session-specific ──────────────────────────────────────────────
	ErrInvalidState          ErrCode = "INVALID_STATE"
	ErrOutOfSequence         ErrCode = "OUT_OF_SEQUENCE"
	ErrGenerationBusy        ErrCode = "GENERATION_BUSY"
	ErrGenerationUnavailable ErrCode = "GENERATION_UNAVAILABLE"
	ErrResourceLimitExceeded ErrCode = "RESOURCE_LIMIT_EXCEEDED"
	ErrQuestionNotLoaded     ErrCode = "QUESTION_NOT_LOADED"
	ErrResultsNotReady       ErrCode = "RESULTS_NOT_READY"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal           ErrCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrCode = "SERVICE_UNAVAILABLE"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrInvalidBatchIndex:
		return "Indeks batch di luar rencana sesi."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."

	// ─── Session-specific ──────────────────────────────────────────────
	case ErrInvalidState:
		return "Tindakan ini tidak diperbolehkan pada status sesi saat ini."
	case ErrOutOfSequence:
		return "Batch diminta tidak berurutan."
	case ErrGenerationBusy:
		return "Batch soal sedang dibuat. Silakan coba lagi sebentar."
	case ErrGenerationUnavailable:
		return "Pembuatan soal sedang tidak tersedia. Silakan coba lagi."
	case ErrResourceLimitExceeded:
		return "Batas sesi yang dijeda telah tercapai."
	case ErrQuestionNotLoaded:
		return "Soal belum dimuat untuk sesi ini."
	case ErrResultsNotReady:
		return "Hasil tersedia setelah sesi selesai."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	case ErrServiceUnavailable:
		return "Layanan sedang tidak tersedia."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
