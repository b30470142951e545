package harness

// shellPreamble normalizes helper arguments to JSON with an inline node
// program when node is on PATH (values that already parse as JSON pass
// through raw), falling back to plain string quoting otherwise. The
// fallback keeps AutomnReturn/AutomnLog usable on hosts without node at the
// cost of stringly-typed payloads.
const shellPreamble = `AUTOMN_RUN_ID={{RUN_ID_JSON}}
__AUTOMN_MARKER_RETURN="__SCRIPTRETURN__"
__AUTOMN_MARKER_LOG="__SCRIPTLOG__"
__AUTOMN_MARKER_NOTIFY="__SCRIPTNOTIFY__"

__automn_quote() {
    printf '"%s"' "$(printf '%s' "$1" | sed -e 's/\\/\\\\/g' -e 's/"/\\"/g')"
}

__automn_json() {
    if command -v node >/dev/null 2>&1; then
        node -e 'const a = process.argv[1]; try { process.stdout.write(JSON.stringify(JSON.parse(a))); } catch (e) { process.stdout.write(JSON.stringify(a)); }' "$1"
    else
        __automn_quote "$1"
    fi
}

__automn_notify_level() {
    case "$(printf '%s' "$1" | tr '[:upper:]' '[:lower:]')" in
        warn|warning) printf 'warn' ;;
        error) printf 'error' ;;
        *) printf 'info' ;;
    esac
}

AutomnReturn() {
    printf '%s%s\n' "$__AUTOMN_MARKER_RETURN" "$(__automn_json "$1")"
}

AutomnLog() {
    # AutomnLog message [level] [context] [type]
    printf '%s{"message":%s,"level":%s,"context":%s,"type":%s}\n' \
        "$__AUTOMN_MARKER_LOG" \
        "$(__automn_quote "$1")" \
        "$(__automn_quote "${2:-info}")" \
        "$(__automn_json "${3:-null}")" \
        "$(__automn_quote "${4:-general}")"
}

AutomnNotify() {
    # AutomnNotify audience message [level]
    printf '%s{"audience":%s,"message":%s,"level":%s}\n' \
        "$__AUTOMN_MARKER_NOTIFY" \
        "$(__automn_quote "$1")" \
        "$(__automn_quote "$2")" \
        "$(__automn_quote "$(__automn_notify_level "${3:-info}")")"
}

AutomnRunLog() {
    printf '%s\n' "$*"
}
`
